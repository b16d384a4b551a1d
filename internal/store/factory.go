package store

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from databaseURL: postgres:// or postgresql://
// for Postgres, sqlite: or file: for SQLite, empty for in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(0), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(strings.TrimPrefix(url, "sqlite:"), "//"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "file:"))
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", url)
	}
}
