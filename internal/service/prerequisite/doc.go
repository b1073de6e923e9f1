// Package prerequisite checks that host commands the product depends on are installed.
package prerequisite
