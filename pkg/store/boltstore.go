package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/opendx28/slicerhub/pkg/types"
)

var (
	// Bucket names
	bucketSessions = []byte("sessions")      // session id -> JSON record
	bucketUsers    = []byte("session_users") // user -> session id (uniqueness index)
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the session database at the given
// location. The connection string is a plain file path; a leading
// "sqlite:///" scheme from older deployments is tolerated and stripped.
func NewBoltStore(connString string) (*BoltStore, error) {
	dbPath := strings.TrimPrefix(connString, "sqlite:///")

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSessions, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateSession(session *types.Session, maxSessions int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(session.User)) != nil {
			return ErrSessionExists
		}

		sessions := tx.Bucket(bucketSessions)
		if maxSessions > 0 {
			count := 0
			c := sessions.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				count++
			}
			if count >= maxSessions {
				return ErrCapacityExceeded
			}
		}

		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		if err := sessions.Put([]byte(session.ID), data); err != nil {
			return err
		}
		return users.Put([]byte(session.User), []byte(session.ID))
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) GetSessionByUser(user string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketUsers).Get([]byte(user))
		if id == nil {
			return fmt.Errorf("%w: user %s", ErrSessionNotFound, user)
		}
		data := tx.Bucket(bucketSessions).Get(id)
		if data == nil {
			return fmt.Errorf("%w: user %s", ErrSessionNotFound, user)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) UpdateSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(session.ID)) == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, session.ID)
		}
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(session.ID), data)
	})
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return nil // already gone
		}
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Delete([]byte(session.User))
	})
}
