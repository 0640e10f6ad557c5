// Package client implements the observer side of the sync protocol: an
// optimistic local world view, an ordered replay queue for unacknowledged
// mutations, heartbeat liveness and reconnection with capped exponential
// backoff. Server and client share the pure mutators in internal/state;
// reconciliation happens only through the snapshot-on-connect and per-world
// deltas, never by diffing full states.
package client

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"grovesync/internal/protocol"
	"grovesync/internal/state"
)

// ConnState is the externally visible link state.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	// StateFailed means every reconnect attempt was spent. The session code
	// is retained so Retry can resume the same session.
	StateFailed
	// StateClosed means the client was torn down, or the session was
	// rejected fatally (not found / full); the stored code is cleared then.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "closed"
	}
}

type Options struct {
	URL  string // ws endpoint, e.g. ws://localhost:8080/v1/ws
	Code string // session code

	Logger *log.Logger

	AckTimeout   time.Duration // default 10s
	PingInterval time.Duration // default 25s
	PongTimeout  time.Duration // default 10s
	MaxAttempts  int           // reconnect attempts before StateFailed, default 8

	OnSnapshot      func(state.WorldStates)
	OnWorldUpdate   func(worldID int, st *state.WorldState)
	OnClientCount   func(count int)
	OnSessionClosed func(reason string)
	OnStateChange   func(ConnState)
}

// pendingMutation is one outbound action awaiting its ack. On replay it is
// re-issued through build with a fresh msgId and a fresh deadline.
type pendingMutation struct {
	msgID int64
	build func(msgID int64) any
	timer *time.Timer
	sent  bool // written on the current connection
}

type Client struct {
	opts Options
	log  *log.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	conn      *websocket.Conn
	connSeq   int // bumped per connection; stale heartbeats check it
	code      string
	connState ConnState
	running   bool
	pending   []*pendingMutation
	nextMsgID int64
	worlds    state.WorldStates
	pongTimer *time.Timer

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	return &Client{
		opts:   opts,
		log:    opts.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		code:   opts.Code,
		worlds: make(state.WorldStates),
	}
}

// Start launches the connection loop. Safe to call once; use Retry after a
// terminal StateFailed.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running || c.isClosedLocked() {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.run()
}

// Retry restarts the loop after the backoff schedule was exhausted. The
// retained session code is reused.
func (c *Client) Retry() {
	c.mu.Lock()
	failed := c.connState == StateFailed && !c.isClosedLocked() && c.code != ""
	c.mu.Unlock()
	if failed {
		c.Start()
	}
}

// Close tears the client down: every pending timer is cancelled so nothing
// fires against destroyed state.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		c.connState = StateClosed
		for _, p := range c.pending {
			if p.timer != nil {
				p.timer.Stop()
			}
		}
		c.pending = nil
		if c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
		conn := c.conn
		c.conn = nil
		running := c.running
		done := c.done
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if running {
			<-done
		}
	})
}

// Code returns the stored session code ("" once a fatal rejection cleared it).
func (c *Client) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// State returns the current link state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// Worlds returns a copy of the local world view.
func (c *Client) Worlds() state.WorldStates {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(state.WorldStates, len(c.worlds))
	for id, ws := range c.worlds {
		out[id] = ws
	}
	return out
}

// PendingCount reports how many mutations still await acknowledgement.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) run() {
	defer func() {
		c.mu.Lock()
		c.running = false
		done := c.done
		c.mu.Unlock()
		close(done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second

	c.setState(StateConnecting)
	attempts := 0
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		err := c.connectAndReadLoop(&attempts, bo)
		if c.closed() {
			return
		}
		if err == nil {
			// Clean exit (session closed by server, surfaced already).
			return
		}
		if isFatal(err) {
			c.log.Printf("session rejected: %v", err)
			c.mu.Lock()
			c.code = ""
			c.mu.Unlock()
			c.setState(StateClosed)
			return
		}

		attempts++
		if attempts > c.opts.MaxAttempts {
			c.log.Printf("giving up after %d reconnect attempts", c.opts.MaxAttempts)
			c.setState(StateFailed)
			return
		}
		c.setState(StateReconnecting)
		wait := bo.NextBackOff()
		c.log.Printf("reconnect attempt %d in %s: %v", attempts, wait.Round(time.Millisecond), err)
		select {
		case <-c.stop:
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) connectAndReadLoop(attempts *int, bo *backoff.ExponentialBackOff) error {
	c.mu.Lock()
	code := c.code
	c.mu.Unlock()
	if code == "" {
		return errFatal{"no session code"}
	}

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(fmt.Sprintf("%s?session=%s", c.opts.URL, code), nil)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	connDone := make(chan struct{})
	defer close(connDone)

	c.mu.Lock()
	c.connSeq++
	seq := c.connSeq
	c.mu.Unlock()

	// Replay before anything else: every unacknowledged mutation goes out
	// again, in original order, each with a fresh msgId and deadline. The
	// connection stays invisible to enqueue until the queue is drained, so
	// no new action can jump ahead of a replayed one.
	c.flushPending(conn)

	c.setState(StateConnected)
	*attempts = 0
	bo.Reset()

	go c.heartbeat(conn, seq, connDone)

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		for _, p := range c.pending {
			p.sent = false
		}
		if c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		select {
		case <-c.stop:
			return nil
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, protocol.CloseSessionNotFound) {
				return errFatal{"session not found"}
			}
			if websocket.IsCloseError(err, protocol.CloseSessionFull) {
				return errFatal{"session full"}
			}
			return err
		}
		if done, err := c.handleMessage(msg); done || err != nil {
			return err
		}
	}
}

func (c *Client) handleMessage(msg []byte) (done bool, err error) {
	base, err2 := protocol.DecodeBase(msg)
	if err2 != nil {
		return false, nil
	}
	switch base.Type {
	case protocol.TypeSnapshot:
		var m protocol.SnapshotMsg
		if unmarshal(msg, &m) {
			c.mu.Lock()
			c.worlds = make(state.WorldStates, len(m.Worlds))
			for id, ws := range m.Worlds {
				c.worlds[id] = ws
			}
			c.mu.Unlock()
			if c.opts.OnSnapshot != nil {
				c.opts.OnSnapshot(c.Worlds())
			}
		}

	case protocol.TypeWorldUpdate:
		var m protocol.WorldUpdateMsg
		if unmarshal(msg, &m) {
			c.mu.Lock()
			if m.State == nil {
				delete(c.worlds, m.WorldID)
			} else {
				c.worlds[m.WorldID] = *m.State
			}
			c.mu.Unlock()
			if c.opts.OnWorldUpdate != nil {
				c.opts.OnWorldUpdate(m.WorldID, m.State)
			}
		}

	case protocol.TypeClientCount:
		var m protocol.ClientCountMsg
		if unmarshal(msg, &m) && c.opts.OnClientCount != nil {
			c.opts.OnClientCount(m.Count)
		}

	case protocol.TypeAck:
		var m protocol.AckMsg
		if unmarshal(msg, &m) {
			c.handleAck(m.MsgID)
		}

	case protocol.TypePong:
		c.mu.Lock()
		if c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
		c.mu.Unlock()

	case protocol.TypeError:
		var m protocol.ErrorMsg
		if unmarshal(msg, &m) {
			c.log.Printf("server rejected message: %s %s", m.Code, m.Message)
		}

	case protocol.TypeSessionClosed:
		var m protocol.SessionClosedMsg
		if unmarshal(msg, &m) {
			c.log.Printf("session closed by server: %s", m.Reason)
			c.mu.Lock()
			c.code = ""
			c.mu.Unlock()
			if c.opts.OnSessionClosed != nil {
				c.opts.OnSessionClosed(m.Reason)
			}
			c.setState(StateClosed)
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) heartbeat(conn *websocket.Conn, seq int, connDone <-chan struct{}) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-connDone:
			return
		case <-t.C:
			if err := c.writeJSON(conn, protocol.PingMsg{Type: protocol.TypePing}); err != nil {
				return
			}
			c.mu.Lock()
			if c.pongTimer == nil && c.connSeq == seq {
				c.pongTimer = time.AfterFunc(c.opts.PongTimeout, func() {
					c.log.Printf("heartbeat timeout, dropping connection")
					_ = conn.Close()
				})
			}
			c.mu.Unlock()
		}
	}
}

// flushPending replays every unsent queued mutation on conn, oldest first,
// then publishes conn for normal sends. Actions enqueued while a batch is in
// flight land in the queue unsent and are picked up by the next pass, so the
// connection never carries a new action ahead of a queued one.
func (c *Client) flushPending(conn *websocket.Conn) {
	for {
		c.mu.Lock()
		var resend []any
		for _, p := range c.pending {
			if p.sent {
				continue
			}
			if p.timer != nil {
				p.timer.Stop()
			}
			c.nextMsgID++
			p.msgID = c.nextMsgID
			p.timer = c.ackDeadline(p)
			p.sent = true
			resend = append(resend, p.build(p.msgID))
		}
		if len(resend) == 0 {
			c.conn = conn
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		for _, v := range resend {
			if err := c.writeJSON(conn, v); err != nil {
				// Broken link. Leave c.conn nil; the read loop fails next
				// and the reconnect pass replays the queue from scratch.
				return
			}
		}
	}
}

func (c *Client) handleAck(msgID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p.msgID == msgID {
			if p.timer != nil {
				p.timer.Stop()
			}
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// ackDeadline arms the per-mutation deadline. Expiry declares the link dead
// and forces a close (which drives reconnection); the mutation itself stays
// queued for replay.
func (c *Client) ackDeadline(p *pendingMutation) *time.Timer {
	return time.AfterFunc(c.opts.AckTimeout, func() {
		c.mu.Lock()
		conn := c.conn
		still := false
		for _, q := range c.pending {
			if q == p {
				still = true
				break
			}
		}
		c.mu.Unlock()
		if still && conn != nil {
			c.log.Printf("ack deadline for msgId %d, dropping connection", p.msgID)
			_ = conn.Close()
		}
	})
}

// enqueue tags an action, applies it optimistically to the local view and
// sends it right away when the link is open.
func (c *Client) enqueue(build func(msgID int64) any, optimistic func(state.WorldStates, int64) state.WorldStates) {
	c.mu.Lock()
	if c.isClosedLocked() {
		c.mu.Unlock()
		return
	}
	c.nextMsgID++
	p := &pendingMutation{msgID: c.nextMsgID, build: build}
	p.timer = c.ackDeadline(p)
	c.pending = append(c.pending, p)
	if optimistic != nil {
		c.worlds = optimistic(c.worlds, time.Now().UnixMilli())
	}
	conn := c.conn
	if conn != nil {
		p.sent = true
	}
	msgID := p.msgID
	c.mu.Unlock()

	if conn != nil {
		_ = c.writeJSON(conn, build(msgID))
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	if c.connState == s || (c.connState == StateClosed && s != StateClosed) {
		c.mu.Unlock()
		return
	}
	c.connState = s
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func (c *Client) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosedLocked()
}

func (c *Client) isClosedLocked() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func unmarshal(b []byte, v any) bool {
	return jsonUnmarshal(b, v) == nil
}

type errFatal struct{ reason string }

func (e errFatal) Error() string { return e.reason }

func isFatal(err error) bool {
	_, ok := err.(errFatal)
	return ok
}
