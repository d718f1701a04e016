// Copyright 2025 The carbide Authors
// This file is part of the carbide library.
//
// The carbide library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The carbide library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the carbide library. If not, see <http://www.gnu.org/licenses/>.

package storage

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
)

// ErrDatadirUsed is returned when the datadir is locked by another process.
var ErrDatadirUsed = errors.New("datadir already used by another process")

// Database is a flock-guarded key-value store backing the chain index.
type Database struct {
	ethdb.KeyValueStore

	dirLock *flock.Flock
}

// NewMemoryDatabase returns an ephemeral key-value store, used in tests and
// for throwaway nodes.
func NewMemoryDatabase() ethdb.KeyValueStore {
	return memorydb.New()
}

// Open creates or opens the persistent chain database under the datadir,
// taking an exclusive file lock on the directory so two nodes cannot share
// one index.
func Open(datadir string, cache, handles int, readonly bool) (*Database, error) {
	if err := os.MkdirAll(datadir, 0700); err != nil {
		return nil, err
	}
	dirLock := flock.New(filepath.Join(datadir, "LOCK"))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrDatadirUsed
	}
	kv, err := leveldb.New(filepath.Join(datadir, "chaindata"), cache, handles, "carbide/db/chaindata", readonly)
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}
	log.Info("Opened chain database", "datadir", datadir, "readonly", readonly)
	return &Database{KeyValueStore: kv, dirLock: dirLock}, nil
}

// Close flushes and closes the store and releases the datadir lock.
func (db *Database) Close() error {
	err := db.KeyValueStore.Close()
	if lockErr := db.dirLock.Unlock(); err == nil {
		err = lockErr
	}
	return err
}
