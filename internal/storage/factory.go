package storage

import (
	"errors"
	"fmt"
	"strings"
)

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

var ErrUnsupportedStore = errors.New("unsupported store kind")

// NewStore opens the run store named by kind. Kind is matched
// case-insensitively and an empty kind selects DefaultStoreKind.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch normalizeKind(kind) {
	case KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		if !sqliteAvailable {
			return nil, fmt.Errorf("%w: %s needs a build with -tags sqlite", ErrUnsupportedStore, KindSQLite)
		}
		if strings.TrimSpace(sqlitePath) == "" {
			return nil, fmt.Errorf("%w: %s needs a database path", ErrUnsupportedStore, KindSQLite)
		}
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnsupportedStore, kind, strings.Join(Kinds(), ", "))
	}
}

// Kinds lists the store kinds this binary can open.
func Kinds() []string {
	kinds := []string{KindMemory}
	if sqliteAvailable {
		kinds = append(kinds, KindSQLite)
	}
	return kinds
}

func normalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return DefaultStoreKind
	}
	return kind
}

type closer interface {
	Close() error
}

// Release closes stores that hold resources. Memory stores need nothing.
func Release(store Store) error {
	c, ok := store.(closer)
	if !ok {
		return nil
	}
	return c.Close()
}
