package session

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grovesync/internal/tuning"
)

var (
	// ErrCapacity means the store is at its session limit; callers should
	// answer with a retry-later response.
	ErrCapacity = errors.New("session capacity reached")
	// ErrCodeSpace means unique-code generation gave up after its bounded
	// number of attempts.
	ErrCodeSpace = errors.New("could not allocate a unique session code")
)

// Session codes avoid the ambiguous 0/O and 1/I glyphs.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLen      = 6
	codeAttempts = 8
)

// Store is the authoritative registry of live sessions. It owns their
// lifecycles: sessions are created here and destroyed only here (reaper,
// CloseAll). A session never tears itself down.
type Store struct {
	cfg   tuning.Tuning
	log   *log.Logger
	audit AuditLogger

	mu       sync.Mutex
	sessions map[string]*Session

	created    atomic.Uint64
	reaped     atomic.Uint64
	broadcasts atomic.Uint64
}

func NewStore(cfg tuning.Tuning, logger *log.Logger, audit AuditLogger) *Store {
	return &Store{
		cfg:      cfg,
		log:      logger,
		audit:    audit,
		sessions: make(map[string]*Session),
	}
}

// Create allocates a new empty session and starts its loop. Fails closed at
// capacity and on code-space exhaustion instead of looping indefinitely.
func (st *Store) Create() (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.sessions) >= st.cfg.MaxSessions {
		return "", ErrCapacity
	}
	for i := 0; i < codeAttempts; i++ {
		code := newCode()
		if _, taken := st.sessions[code]; taken {
			continue
		}
		s := newSession(code, st.cfg, st.log, st.audit, st)
		st.sessions[code] = s
		go s.run()
		st.created.Add(1)
		st.log.Printf("session %s created", code)
		return code, nil
	}
	return "", ErrCodeSpace
}

// Get returns the session for a code, or nil. Codes are case-insensitive.
func (st *Store) Get(code string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[strings.ToUpper(strings.TrimSpace(code))]
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Close destroys one session, notifying its members first.
func (st *Store) Close(code, reason string) {
	st.mu.Lock()
	s := st.sessions[code]
	delete(st.sessions, code)
	st.mu.Unlock()
	if s != nil {
		s.Close(reason)
	}
}

// CloseAll destroys every session (process shutdown).
func (st *Store) CloseAll(reason string) {
	st.mu.Lock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	for _, s := range all {
		s.Close(reason)
	}
}

// Run drives the reaper until ctx is done.
func (st *Store) Run(ctx context.Context) {
	interval := time.Duration(st.cfg.ReapIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.reapExpired(time.Now().UnixMilli())
		}
	}
}

// reapExpired destroys sessions inactive past the long timeout or empty
// past the short one. The session lock is never held across the member
// notifications; Close only posts to the session loop.
func (st *Store) reapExpired(nowMs int64) {
	type victim struct {
		s      *Session
		reason string
	}
	var victims []victim

	st.mu.Lock()
	for code, s := range st.sessions {
		idleFor := nowMs - s.lastActivity.Load()
		emptyAt := s.emptySince.Load()
		switch {
		case idleFor > int64(st.cfg.SessionIdleTimeoutMs):
			victims = append(victims, victim{s, "expired"})
			delete(st.sessions, code)
		case emptyAt != 0 && nowMs-emptyAt > int64(st.cfg.SessionEmptyTimeoutMs):
			victims = append(victims, victim{s, "empty"})
			delete(st.sessions, code)
		}
	}
	st.mu.Unlock()

	for _, v := range victims {
		st.log.Printf("session %s reaped (%s)", v.s.Code, v.reason)
		v.s.Close(v.reason)
		st.reaped.Add(1)
	}
}

// Metrics is a point-in-time snapshot for the /metrics endpoint.
type Metrics struct {
	Sessions   int
	Clients    int
	Created    uint64
	Reaped     uint64
	Broadcasts uint64
}

func (st *Store) Metrics() Metrics {
	st.mu.Lock()
	m := Metrics{Sessions: len(st.sessions)}
	for _, s := range st.sessions {
		m.Clients += s.ClientCount()
	}
	st.mu.Unlock()
	m.Created = st.created.Load()
	m.Reaped = st.reaped.Load()
	m.Broadcasts = st.broadcasts.Load()
	return m
}

func newCode() string {
	b := make([]byte, codeLen)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}
