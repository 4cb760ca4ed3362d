package main

import (
	"fmt"
	"path/filepath"

	"github.com/micromdm/nanoupdate/engine/storage"
	storagediskv "github.com/micromdm/nanoupdate/engine/storage/diskv"
	storagefile "github.com/micromdm/nanoupdate/engine/storage/file"
	storageinmem "github.com/micromdm/nanoupdate/engine/storage/inmem"
	storagesqlite "github.com/micromdm/nanoupdate/engine/storage/sqlite"
)

func parseStorage(name, dsn string) (storage.Storage, error) {
	switch name {
	case "inmem":
		return storageinmem.New(), nil
	case "file":
		if dsn == "" {
			dsn = "db"
		}
		return storagefile.New(dsn)
	case "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return storagediskv.New(dsn), nil
	case "sqlite":
		if dsn == "" {
			dsn = filepath.Join("db", "nanoupdate.db")
		}
		return storagesqlite.New(dsn)
	}
	return nil, fmt.Errorf("unknown storage backend: %s", name)
}
