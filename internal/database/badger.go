package database

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

// OpenBadger opens the embedded store at path, or an in-memory one when path is empty.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", path).Bool("in_memory", path == "").Msg("opened Badger store")
	return db, nil
}
