// Package stores keeps the history of harden runs in SQLite.
//
// Every host run is stored as one row in runs plus one row per resource and
// handler outcome in records, in report order. The schema is embedded and
// applied with golang-migrate on open, and file databases run in WAL mode so
// a history query can read while an apply writes.
package stores
