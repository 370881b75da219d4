package dialogue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"issuedesk/internal/domain"
)

const historyLimit = 10

// tsLayout sorts lexically in time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Exchange is one user/assistant round kept for context.
type Exchange struct {
	User     string `json:"user"`
	Response string `json:"response"`
}

// Session is the persisted dialogue state of one conversation.
type Session struct {
	ID     string `json:"id"`
	Stage  Stage  `json:"stage"`
	Intent Intent `json:"intent,omitempty"`
	Slots  Slots  `json:"slots"`
	// Request is the utterance that started the current task.
	Request    string             `json:"request,omitempty"`
	Missing    []SlotName         `json:"missing,omitempty"`
	Candidates []domain.Candidate `json:"candidates,omitempty"`
	// Alternatives are the candidates left after a choice, offered again on
	// the approval card.
	Alternatives []domain.Candidate `json:"alternatives,omitempty"`
	Approved     bool               `json:"approved,omitempty"`
	Retryable    bool               `json:"retryable,omitempty"`
	History      []Exchange         `json:"history,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func NewSession(id string) *Session {
	return &Session{ID: id, Stage: StageIdle}
}

// Reset drops the task state and keeps identity and history.
func (s *Session) Reset() {
	*s = Session{ID: s.ID, Stage: StageIdle, History: s.History, UpdatedAt: s.UpdatedAt}
}

func (s *Session) Remember(user, response string) {
	s.History = append(s.History, Exchange{User: user, Response: response})
	if len(s.History) > historyLimit {
		s.History = append([]Exchange(nil), s.History[len(s.History)-historyLimit:]...)
	}
}

func (s *Session) Clone() *Session {
	c := *s
	c.Slots = s.Slots.Merge(Slots{})
	c.Missing = append([]SlotName(nil), s.Missing...)
	c.Candidates = append([]domain.Candidate(nil), s.Candidates...)
	c.Alternatives = append([]domain.Candidate(nil), s.Alternatives...)
	c.History = append([]Exchange(nil), s.History...)
	return &c
}

// SessionStore persists sessions between turns. Load reports false for an
// unknown id.
type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, bool, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in a bounded LRU that expires idle sessions.
type MemoryStore struct {
	lru *expirable.LRU[string, *Session]
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 1024
	}
	return &MemoryStore{lru: expirable.NewLRU[string, *Session](size, nil, ttl)}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Session, bool, error) {
	s, ok := m.lru.Get(id)
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.lru.Add(s.ID, s.Clone())
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.lru.Remove(id)
	return nil
}

func (m *MemoryStore) Len() int { return m.lru.Len() }

// SQLiteStore keeps sessions in the sessions table so they survive restarts.
type SQLiteStore struct {
	DB  *sql.DB
	TTL time.Duration
	Now func() time.Time
}

func NewSQLiteStore(db *sql.DB, ttl time.Duration) *SQLiteStore {
	return &SQLiteStore{DB: db, TTL: ttl}
}

func (s *SQLiteStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, bool, error) {
	var state, updated string
	err := s.DB.QueryRowContext(ctx, `SELECT state_json, updated_at FROM sessions WHERE id = ?`, id).Scan(&state, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session: %w", err)
	}
	if s.TTL > 0 {
		if ts, err := time.Parse(tsLayout, updated); err == nil && s.now().Sub(ts) > s.TTL {
			return nil, false, s.Delete(ctx, id)
		}
	}
	var sess Session
	if err := json.Unmarshal([]byte(state), &sess); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO sessions(id, state_json, updated_at) VALUES(?,?,?)
		ON CONFLICT(id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		sess.ID, string(state), s.now().UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// Prune removes sessions idle for longer than the TTL.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	if s.TTL <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.TTL).Format(tsLayout)
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// keyedMutex serializes turns of the same session.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
