// Package history keeps a SQLite log of installation runs.
//
// Each run is stored with its final phase, the phase it failed in and the
// error text, so `snipvault-installer history` can explain past attempts.
package history
