// Package verifier checks fetched payloads against their expected digests.
package verifier
