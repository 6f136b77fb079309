// Package stores records every generate call in a SQLite ledger. The schema is managed
// with embedded golang-migrate migrations and the database runs in WAL mode.
package stores
