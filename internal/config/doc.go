// Package config loads installer settings from built-in defaults, an optional
// YAML file and SNIPVAULT_INSTALLER_* environment variables, in that order.
//
// Nested keys use a double underscore in variable names, so
// SNIPVAULT_INSTALLER_FETCH__ATTEMPTS overrides fetch.attempts.
package config
