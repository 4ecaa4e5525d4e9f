package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SessionStore reads and writes one session record per session code. Records
// are read and written whole; there is no partial update and no locking, so
// concurrent writers race and the last one wins.
//
// Load returns (nil, nil) on a miss.
type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, id string, s *Session) error
}

func newSessionStore(cfg *Config) (SessionStore, error) {
	switch cfg.store {
	case "memory":
		return newMemoryStore(), nil
	case "rest":
		return newRestStore(cfg.storeURL, cfg.storeToken, cfg.storeTimeout), nil
	case "sqlite":
		return newSqliteStore(cfg.storePath)
	}

	return nil, fmt.Errorf("unknown store backend: %q", cfg.store)
}

// memoryStore keeps records in a mutex-guarded map. It is the default
// backend and loses everything on restart; use rest or sqlite when sessions
// need to outlive the process or span instances.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]Session)}
}

func (m *memoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}

	return &s, nil
}

func (m *memoryStore) Save(_ context.Context, id string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[id] = *s

	return nil
}

// restStore talks to an Upstash-style Redis REST endpoint: GET {url}/get/{key}
// returns {"result": "<json string>"} and POST {url}/set/{key} takes
// {"value": "<json string>"}. Records are stored as JSON strings under the
// session code.
type restStore struct {
	base   string
	token  string
	client *http.Client
}

func newRestStore(base, token string, timeout time.Duration) *restStore {
	return &restStore{
		base:   strings.TrimSuffix(base, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *restStore) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+r.token)

	return r.client.Do(req)
}

func (r *restStore) Load(ctx context.Context, id string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/get/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	rsp, err := r.do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("store get %s: %s", id, rsp.Status)
	}

	var body struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Result == "" {
		return nil, nil
	}

	s := &Session{}
	if err := json.Unmarshal([]byte(body.Result), s); err != nil {
		return nil, err
	}

	return s, nil
}

func (r *restStore) Save(ctx context.Context, id string, s *Session) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	value, err := json.Marshal(struct {
		Value string `json:"value"`
	}{Value: string(blob)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/set/"+url.PathEscape(id), strings.NewReader(string(value)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := r.do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	_, _ = io.Copy(io.Discard, rsp.Body)

	if rsp.StatusCode != http.StatusOK {
		return fmt.Errorf("store set %s: %s", id, rsp.Status)
	}

	return nil
}

// sqliteStore persists records in a single-file database, one JSON blob per
// session code. Suited to single-host deployments that want sessions to
// survive restarts without running an external store.
type sqliteStore struct {
	db *sql.DB
}

func newSqliteStore(path string) (*sqliteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store requires --store-path")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`); err != nil {
		db.Close()

		return nil, err
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Load(ctx context.Context, id string) (*Session, error) {
	var blob string

	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sess := &Session{}
	if err := json.Unmarshal([]byte(blob), sess); err != nil {
		return nil, err
	}

	return sess, nil
}

func (s *sqliteStore) Save(ctx context.Context, id string, sess *Session) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (id, data) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, id, string(blob))

	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
