// Package lockfile keeps two installer processes from working on the same root.
//
// The lock is a file created exclusively and holding the owner's PID. A lock
// whose owner no longer runs is considered stale and is taken over.
package lockfile
