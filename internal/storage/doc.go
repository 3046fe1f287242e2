// Package storage persists the routing document and the admin audit log.
//
// Drivers:
//   - "file": one JSON file per document key plus audit.jsonl
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
package storage
