package session

import (
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"grovesync/internal/protocol"
	"grovesync/internal/state"
	"grovesync/internal/tuning"
)

// Mutation is one validated client action headed for a session loop. The
// transport layer fills in only the fields its message type uses.
type Mutation struct {
	ClientID int
	MsgID    int64
	Type     string

	WorldID   int
	MsFromNow int64
	Hint      string
	Info      state.TreeInfo
	Fields    state.TreeFields
	Health    *int
	Seed      state.WorldStates

	// Now overrides the loop clock (unix ms); zero means "use wall time".
	Now int64
}

type joinRequest struct {
	out  chan []byte
	resp chan joinReply
}

type joinReply struct {
	id   int
	gone <-chan struct{}
}

// clientConn is one connected socket. The out channel is owned by the
// transport and never closed here; gone is closed when the session removes
// the client, so the transport can tear the socket down.
type clientConn struct {
	id   int
	out  chan []byte
	gone chan struct{}
}

// Session is a single-goroutine actor owning one world-state map and the
// set of connected clients. All mutable state below the channel block must
// only be touched from the run loop.
type Session struct {
	Code      string
	CreatedAt time.Time

	cfg   tuning.Tuning
	log   *log.Logger
	audit AuditLogger
	store *Store

	join    chan joinRequest
	leave   chan int
	inbox   chan Mutation
	closeCh chan string
	done    chan struct{}

	// Read by the store/HTTP side without entering the loop.
	clientCount  atomic.Int32
	lastActivity atomic.Int64 // unix ms
	emptySince   atomic.Int64 // unix ms, 0 while occupied

	// Loop-owned state.
	worlds       state.WorldStates
	clients      map[int]*clientConn
	nextClientID int
	nowFn        func() int64
}

func newSession(code string, cfg tuning.Tuning, logger *log.Logger, audit AuditLogger, store *Store) *Session {
	s := &Session{
		Code:      code,
		CreatedAt: time.Now(),
		cfg:       cfg,
		log:       logger,
		audit:     audit,
		store:     store,
		join:      make(chan joinRequest),
		leave:     make(chan int),
		inbox:     make(chan Mutation, 64),
		closeCh:   make(chan string, 1),
		done:      make(chan struct{}),
		worlds:    make(state.WorldStates),
		clients:   make(map[int]*clientConn),
		nowFn:     func() int64 { return time.Now().UnixMilli() },
	}
	s.lastActivity.Store(time.Now().UnixMilli())
	s.emptySince.Store(time.Now().UnixMilli())
	return s
}

var (
	// ErrSessionFull means the per-session client limit is reached.
	ErrSessionFull = errors.New("session full")
	// ErrSessionGone means the session loop already exited (closed or
	// reaped between lookup and join).
	ErrSessionGone = errors.New("session closed")
)

// Join registers a connection and returns its numeric client id plus a
// channel that closes when the session removes the client. The snapshot of
// active worlds is queued on out before any later broadcast.
func (s *Session) Join(out chan []byte) (int, <-chan struct{}, error) {
	req := joinRequest{out: out, resp: make(chan joinReply, 1)}
	select {
	case s.join <- req:
	case <-s.done:
		return 0, nil, ErrSessionGone
	}
	select {
	case rep := <-req.resp:
		if rep.id == 0 {
			return 0, nil, ErrSessionFull
		}
		return rep.id, rep.gone, nil
	case <-s.done:
		return 0, nil, ErrSessionGone
	}
}

// Leave unregisters a connection. Safe to call after the session closed.
func (s *Session) Leave(clientID int) {
	select {
	case s.leave <- clientID:
	case <-s.done:
	}
}

// Apply hands a validated mutation to the session loop.
func (s *Session) Apply(m Mutation) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

// Close asks the loop to shut down, notifying members with the reason.
func (s *Session) Close(reason string) {
	select {
	case s.closeCh <- reason:
	case <-s.done:
	}
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// ClientCount reports the number of connected clients.
func (s *Session) ClientCount() int { return int(s.clientCount.Load()) }

func (s *Session) run() {
	defer close(s.done)
	interval := time.Duration(s.cfg.TransitionIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case req := <-s.join:
			s.handleJoin(req)
		case id := <-s.leave:
			s.handleLeave(id)
		case m := <-s.inbox:
			s.handleMutation(m)
		case <-ticker.C:
			s.handleTick(s.nowFn())
		case reason := <-s.closeCh:
			s.shutdown(reason)
			return
		}
	}
}

func (s *Session) handleJoin(req joinRequest) {
	if len(s.clients) >= s.cfg.MaxClientsPerSession {
		req.resp <- joinReply{}
		return
	}
	s.nextClientID++
	c := &clientConn{id: s.nextClientID, out: req.out, gone: make(chan struct{})}
	s.clients[c.id] = c
	s.clientCount.Store(int32(len(s.clients)))
	s.emptySince.Store(0)
	s.lastActivity.Store(s.nowFn())

	s.send(c, protocol.SnapshotMsg{
		Type:   protocol.TypeSnapshot,
		Worlds: s.activeWorlds(),
	})
	req.resp <- joinReply{id: c.id, gone: c.gone}
	s.broadcastClientCount()
}

func (s *Session) handleLeave(clientID int) {
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	delete(s.clients, clientID)
	close(c.gone)
	s.clientCount.Store(int32(len(s.clients)))
	if len(s.clients) == 0 {
		s.emptySince.Store(s.nowFn())
	}
	s.broadcastClientCount()
}

func (s *Session) handleMutation(m Mutation) {
	now := m.Now
	if now == 0 {
		now = s.nowFn()
	}

	if m.Type == protocol.TypeSeedWorlds {
		s.handleSeed(m, now)
		return
	}

	old := s.worlds
	switch m.Type {
	case protocol.TypeSetSpawnTimer:
		s.worlds = state.SetSpawnTimer(old, m.WorldID, m.MsFromNow, now, m.Hint)
	case protocol.TypeSetTreeInfo:
		s.worlds = state.SetTreeInfo(old, m.WorldID, m.Info, now)
	case protocol.TypeUpdateTreeFields:
		s.worlds = state.UpdateTreeFields(old, m.WorldID, m.Fields)
	case protocol.TypeUpdateHealth:
		s.worlds = state.UpdateHealth(old, m.WorldID, m.Health)
	case protocol.TypeMarkDead:
		s.worlds = state.MarkDead(old, m.WorldID, now)
	case protocol.TypeClearWorld:
		s.worlds = state.ClearWorld(old, m.WorldID)
	default:
		return
	}

	if !state.SameRef(old, s.worlds) {
		s.broadcastWorld(m.WorldID)
		s.writeAudit(now, m)
	}
	s.lastActivity.Store(now)
	s.ack(m)
}

// handleSeed merges a bulk transfer of one client's local data. Accepted
// only while the session holds no state of its own; within an accepted
// batch, malformed entries and ids already present are dropped one by one
// instead of failing the whole batch.
func (s *Session) handleSeed(m Mutation, now int64) {
	if len(s.worlds) > 0 {
		s.sendError(m.ClientID, protocol.ErrSeedRejected, "session already has state")
		return
	}
	ids := make([]int, 0, len(m.Seed))
	for id := range m.Seed {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	accepted := make(state.WorldStates)
	for _, id := range ids {
		if len(accepted) >= s.cfg.MaxSeedWorlds {
			break
		}
		ws := protocol.SanitizeSeedEntry(m.Seed[id])
		if !protocol.ValidSeedEntry(id, s.cfg.WorldCount, ws) {
			continue
		}
		if _, exists := accepted[id]; exists {
			continue
		}
		accepted[id] = ws
	}
	if len(accepted) == 0 {
		return
	}
	s.worlds = accepted
	for _, id := range ids {
		if ws, ok := accepted[id]; ok {
			up := ws
			s.broadcast(protocol.WorldUpdateMsg{Type: protocol.TypeWorldUpdate, WorldID: id, State: &up})
		}
	}
	s.lastActivity.Store(now)
	s.writeAudit(now, m)
}

// handleTick re-evaluates every world's lifecycle and broadcasts only the
// worlds that actually changed, including any key that vanished.
func (s *Session) handleTick(now int64) {
	old := s.worlds
	next := state.ApplyTransitions(old, now)
	if state.SameRef(old, next) {
		return
	}
	s.worlds = next
	for id, prev := range old {
		cur, ok := next[id]
		switch {
		case !ok:
			s.broadcast(protocol.WorldUpdateMsg{Type: protocol.TypeWorldUpdate, WorldID: id, State: nil})
		case cur != prev:
			up := cur
			s.broadcast(protocol.WorldUpdateMsg{Type: protocol.TypeWorldUpdate, WorldID: id, State: &up})
		}
	}
	for id, cur := range next {
		if _, ok := old[id]; !ok {
			up := cur
			s.broadcast(protocol.WorldUpdateMsg{Type: protocol.TypeWorldUpdate, WorldID: id, State: &up})
		}
	}
}

func (s *Session) shutdown(reason string) {
	msg := mustMarshal(protocol.SessionClosedMsg{Type: protocol.TypeSessionClosed, Reason: reason})
	for _, c := range s.clients {
		select {
		case c.out <- msg:
		default:
		}
		close(c.gone)
	}
	s.clients = map[int]*clientConn{}
	s.clientCount.Store(0)
}

func (s *Session) broadcastWorld(id int) {
	if ws, ok := s.worlds[id]; ok {
		up := ws
		s.broadcast(protocol.WorldUpdateMsg{Type: protocol.TypeWorldUpdate, WorldID: id, State: &up})
		return
	}
	s.broadcast(protocol.WorldUpdateMsg{Type: protocol.TypeWorldUpdate, WorldID: id, State: nil})
}

func (s *Session) broadcastClientCount() {
	s.broadcast(protocol.ClientCountMsg{Type: protocol.TypeClientCount, Count: len(s.clients)})
}

func (s *Session) broadcast(v any) {
	b := mustMarshal(v)
	var slow []int
	for _, c := range s.clients {
		select {
		case c.out <- b:
		default:
			// A client that cannot drain its queue would stall the whole
			// session; drop it and let it reconnect.
			slow = append(slow, c.id)
		}
	}
	for _, id := range slow {
		s.log.Printf("session %s: dropping slow client %d", s.Code, id)
		s.handleLeave(id)
	}
	if s.store != nil {
		s.store.broadcasts.Add(1)
	}
}

func (s *Session) send(c *clientConn, v any) {
	select {
	case c.out <- mustMarshal(v):
	default:
		s.log.Printf("session %s: dropping slow client %d", s.Code, c.id)
		s.handleLeave(c.id)
	}
}

func (s *Session) sendError(clientID int, code, message string) {
	if c, ok := s.clients[clientID]; ok {
		s.send(c, protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
	}
}

func (s *Session) ack(m Mutation) {
	if m.MsgID == 0 {
		return
	}
	if c, ok := s.clients[m.ClientID]; ok {
		s.send(c, protocol.AckMsg{Type: protocol.TypeAck, MsgID: m.MsgID})
	}
}

func (s *Session) activeWorlds() state.WorldStates {
	out := make(state.WorldStates, len(s.worlds))
	for id, ws := range s.worlds {
		if ws.Active() {
			out[id] = ws
		}
	}
	return out
}

func (s *Session) writeAudit(now int64, m Mutation) {
	if s.audit == nil {
		return
	}
	_ = s.audit.WriteAudit(AuditEntry{
		At:       now,
		Session:  s.Code,
		ClientID: m.ClientID,
		Op:       m.Type,
		WorldID:  m.WorldID,
	})
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All wire types marshal cleanly; reaching this is a programming error.
		panic(err)
	}
	return b
}
