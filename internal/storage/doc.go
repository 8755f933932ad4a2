// Package storage persists delivery audit records and dispatcher dedup state.
//
// Two drivers exist: "file" (JSON lines plus a dedup snapshot/journal) and
// "sqlite" (modernc.org/sqlite, pure Go). An empty driver disables storage.
package storage
