// Package fetcher downloads resource payloads over HTTP(S).
//
// Transient failures (transport errors, 5xx, 429, 408) are retried with
// exponential backoff inside a fixed attempt budget; every other failure is
// permanent and returned immediately. A Fetcher holds no per-call state and is
// safe for concurrent use.
package fetcher
