// Package cli wires configuration, logging, telemetry, locking and run history
// around the installer and implements the commands of snipvault-installer.
package cli
