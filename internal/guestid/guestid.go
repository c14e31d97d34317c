// Package guestid keeps the server-assigned guest id on disk so a CLI
// session survives restarts.
package guestid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucket = []byte("session")
	key    = []byte("convidado_id")
)

// Store is a bbolt file holding one guest id per server URL.
type Store struct {
	db     *bolt.DB
	server []byte
}

// Open opens (or creates) the file at path. Ids are kept per server so one
// data file can serve several events.
func Open(path, server string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	return &Store{db: db, server: []byte(server)}, nil
}

// Load returns 0 when nothing was saved.
func (s *Store) Load() (int64, error) {
	var id int64
	err := s.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(bucket).Bucket(s.server)
		if sub == nil {
			return nil
		}
		v := sub.Get(key)
		if len(v) != 8 {
			return nil
		}
		id = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return id, err
}

func (s *Store) Save(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sub, err := tx.Bucket(bucket).CreateBucketIfNotExists(s.server)
		if err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(id))
		return sub.Put(key, buf)
	})
}

func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucket).DeleteBucket(s.server)
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *Store) Close() error { return s.db.Close() }
