package recovery

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"taskloom/internal/registry"
)

// Store provides persistent storage for eviction metadata in a single bbolt
// file. All writes are transactional and fsynced by bbolt itself; there is
// no separate atomic-rename discipline to maintain.
type Store struct {
	db *bbolt.DB
}

var (
	bucketTaskMeta = []byte("task_meta")
	bucketSweeps   = []byte("sweeps")
)

// OpenStore opens (creating if needed) the store at path.
func OpenStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketTaskMeta, bucketSweeps} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// metaKey is sessionID + 0x00 + big-endian task id, so per-session scans
// are a simple prefix cursor.
func metaKey(sessionID string, id registry.TaskId) []byte {
	key := make([]byte, 0, len(sessionID)+5)
	key = append(key, sessionID...)
	key = append(key, 0)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(id))
	return append(key, buf[:]...)
}

// SaveTaskMeta upserts meta.
func (s *Store) SaveTaskMeta(meta TaskMeta) error {
	if s == nil {
		return errors.New("nil Store")
	}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("invalid task meta: %w", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal task meta: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskMeta).Put(metaKey(meta.SessionID, meta.TaskID), data)
	})
}

// LoadTaskMeta returns the stored meta for (sessionID, id); ok is false if
// none exists.
func (s *Store) LoadTaskMeta(sessionID string, id registry.TaskId) (TaskMeta, bool, error) {
	if s == nil {
		return TaskMeta{}, false, errors.New("nil Store")
	}
	var meta TaskMeta
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTaskMeta).Get(metaKey(sessionID, id))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("unmarshal task meta: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return TaskMeta{}, false, err
	}
	if found {
		if err := meta.Validate(); err != nil {
			return TaskMeta{}, false, fmt.Errorf("invalid task meta on disk: %w", err)
		}
	}
	return meta, found, nil
}

// ListTaskMeta returns every stored meta for a session, in task-id order.
func (s *Store) ListTaskMeta(sessionID string) ([]TaskMeta, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	prefix := append([]byte(sessionID), 0)
	var out []TaskMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskMeta).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var meta TaskMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("unmarshal task meta: %w", err)
			}
			out = append(out, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTaskMeta removes the record for (sessionID, id); deleting an absent
// record is a no-op.
func (s *Store) DeleteTaskMeta(sessionID string, id registry.TaskId) error {
	if s == nil {
		return errors.New("nil Store")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskMeta).Delete(metaKey(sessionID, id))
	})
}

// PruneSession drops every task-meta record of a session, used when a host
// process restarts and its previous session's in-memory tasks are gone.
func (s *Store) PruneSession(sessionID string) error {
	if s == nil {
		return errors.New("nil Store")
	}
	prefix := append([]byte(sessionID), 0)
	return s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskMeta).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordSweep appends the record of one completed sweep.
func (s *Store) RecordSweep(rec SweepRecord) error {
	if s == nil {
		return errors.New("nil Store")
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid sweep record: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal sweep record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSweeps).Put([]byte(rec.SweepID), data)
	})
}

// ListSweeps returns every recorded sweep for a session.
func (s *Store) ListSweeps(sessionID string) ([]SweepRecord, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	var out []SweepRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSweeps).ForEach(func(_, v []byte) error {
			var rec SweepRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal sweep record: %w", err)
			}
			if rec.SessionID == sessionID {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
