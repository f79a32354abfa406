// Package memory provides the SQLite-backed stores behind KenoBot's
// conversation history, long-term memory, working memory, and learned
// patterns. All stores share a single database connection opened with
// [Open]; each store creates its own tables on construction.
package memory

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds so stored
// timestamps sort lexicographically. Values parse with
// time.RFC3339Nano.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Open opens (creating if needed) the SQLite database at path with WAL
// journaling and a busy timeout suited to concurrent store access.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
