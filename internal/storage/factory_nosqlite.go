//go:build !sqlite

package storage

import "fmt"

const sqliteAvailable = false

func newSQLiteStore(string) (Store, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedStore, KindSQLite)
}
