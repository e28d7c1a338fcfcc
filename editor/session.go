package editor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xxuejie/go-delta-docs/errs"
)

// Session is what login leaves behind: the bearer token and who it is for.
type Session struct {
	Token    string `json:"token"`
	UserID   string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// SessionStore keeps at most one session. Load returns errs.ErrAuth when
// there is none, which sends the caller to login.
type SessionStore interface {
	Load() (*Session, error)
	Save(s *Session) error
	Clear() error
}

var errNoSession = fmt.Errorf("%w: not logged in", errs.ErrAuth)

type MemorySessionStore struct {
	mux     sync.Mutex
	session *Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (m *MemorySessionStore) Load() (*Session, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.session == nil {
		return nil, errNoSession
	}
	copied := *m.session
	return &copied, nil
}

func (m *MemorySessionStore) Save(s *Session) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	copied := *s
	m.session = &copied
	return nil
}

func (m *MemorySessionStore) Clear() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.session = nil
	return nil
}

var (
	sessionBucket = []byte("session")
	sessionKey    = []byte("current")
)

// BoltSessionStore keeps the session in a bbolt file so it outlives the
// process, like a browser's local storage.
type BoltSessionStore struct {
	db *bolt.DB
}

func OpenBoltSessionStore(path string) (*BoltSessionStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSessionStore{db: db}, nil
}

func (b *BoltSessionStore) Load() (*Session, error) {
	var s *Session
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionBucket).Get(sessionKey)
		if data == nil {
			return errNoSession
		}
		s = &Session{}
		return json.Unmarshal(data, s)
	})
	if err != nil {
		if errors.Is(err, errs.ErrAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

func (b *BoltSessionStore) Save(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(sessionKey, data)
	})
}

func (b *BoltSessionStore) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(sessionKey)
	})
}

func (b *BoltSessionStore) Close() error {
	return b.db.Close()
}
