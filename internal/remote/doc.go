// Package remote is the HTTP client for the hosted booking backend: password
// and refresh-token sign in, instrument and booking listings, and idempotent
// upserts of instrument usage records.
package remote
