package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"grovesync/internal/protocol"
	"grovesync/internal/session"
	"grovesync/internal/state"
	"grovesync/internal/tuning"
)

type Server struct {
	store *session.Store
	cfg   tuning.Tuning
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(store *session.Store, cfg tuning.Tuning, logger *log.Logger) *Server {
	return &Server{
		store: store,
		cfg:   cfg,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.store.Get(r.URL.Query().Get("session"))
		if sess == nil {
			closeWith(conn, protocol.CloseSessionNotFound, "session not found")
			return
		}

		out := make(chan []byte, s.cfg.SendQueueDepth)
		clientID, gone, err := sess.Join(out)
		if err != nil {
			// A session reaped between lookup and join is a miss, not a
			// capacity rejection.
			if errors.Is(err, session.ErrSessionFull) {
				closeWith(conn, protocol.CloseSessionFull, "session full")
			} else {
				closeWith(conn, protocol.CloseSessionNotFound, "session not found")
			}
			return
		}
		defer sess.Leave(clientID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go s.writeLoop(ctx, cancel, conn, out, gone)

		readDeadline := time.Duration(s.cfg.ReadDeadlineMs) * time.Millisecond
		conn.SetReadLimit(int64(s.cfg.MaxSeedBytes))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readDeadline))
		})

		rl := rateLimiter{
			window: time.Duration(s.cfg.RateLimitWindowMs) * time.Millisecond,
			max:    s.cfg.RateLimitMax,
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if ctx.Err() != nil {
				// The session already dropped this connection; anything still
				// arriving races a close and gets cut off.
				return
			}
			s.dispatch(sess, clientID, out, msg, &rl)
		}
	}
}

// writeLoop drains the session's outbound queue and keeps the liveness
// probe going. It owns all writes on the socket.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte, gone <-chan struct{}) {
	defer cancel()
	writeDeadline := time.Duration(s.cfg.WriteDeadlineMs) * time.Millisecond
	ping := time.NewTicker(time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond)
	defer ping.Stop()

	write := func(b []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		return conn.WriteMessage(websocket.TextMessage, b) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			// Removed by the session (slow client or session closed). Flush
			// whatever is already queued, then cut the socket.
			for {
				select {
				case b := <-out:
					if !write(b) {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
						time.Now().Add(time.Second))
					_ = conn.Close()
					return
				}
			}
		case b := <-out:
			if !write(b) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(sess *session.Session, clientID int, out chan []byte, msg []byte, rl *rateLimiter) {
	if !rl.allow(time.Now()) {
		sendError(out, protocol.ErrRateLimit, "rate limit exceeded")
		return
	}
	// The size verdict comes first: an oversized frame is too large even
	// when it does not decode. Only seeds may exceed the per-message cap,
	// up to the connection read limit.
	base, baseErr := protocol.DecodeBase(msg)
	if len(msg) > s.cfg.MaxMessageBytes && (baseErr != nil || base.Type != protocol.TypeSeedWorlds) {
		sendError(out, protocol.ErrMsgTooLarge, "message too large")
		return
	}
	if baseErr != nil {
		sendError(out, protocol.ErrBadRequest, "malformed message")
		return
	}

	switch base.Type {
	case protocol.TypePing:
		send(out, protocol.PongMsg{Type: protocol.TypePong})

	case protocol.TypeSetSpawnTimer:
		var m protocol.SetSpawnTimerMsg
		if !s.decodeWorldMsg(out, msg, &m, &m.WorldID) {
			return
		}
		if !protocol.ValidMsFromNow(m.MsFromNow) {
			sendError(out, protocol.ErrBadRequest, "msFromNow out of range")
			return
		}
		sess.Apply(session.Mutation{
			ClientID:  clientID,
			MsgID:     m.MsgID,
			Type:      base.Type,
			WorldID:   m.WorldID,
			MsFromNow: m.MsFromNow,
			Hint:      protocol.SanitizeText(m.Hint),
		})

	case protocol.TypeSetTreeInfo:
		var m protocol.SetTreeInfoMsg
		if !s.decodeWorldMsg(out, msg, &m, &m.WorldID) {
			return
		}
		treeType := protocol.SanitizeText(m.Info.TreeType)
		if treeType == "" {
			sendError(out, protocol.ErrBadRequest, "missing treeType")
			return
		}
		info := state.TreeInfo{
			TreeType:      treeType,
			Hint:          protocol.SanitizeText(m.Info.Hint),
			ExactLocation: protocol.SanitizeText(m.Info.ExactLocation),
		}
		if m.Info.Health != nil {
			if !protocol.ValidHealth(*m.Info.Health) {
				sendError(out, protocol.ErrBadRequest, "invalid health")
				return
			}
			info.Health = *m.Info.Health
		}
		sess.Apply(session.Mutation{
			ClientID: clientID,
			MsgID:    m.MsgID,
			Type:     base.Type,
			WorldID:  m.WorldID,
			Info:     info,
		})

	case protocol.TypeUpdateTreeFields:
		var m protocol.UpdateTreeFieldsMsg
		if !s.decodeWorldMsg(out, msg, &m, &m.WorldID) {
			return
		}
		fields := state.TreeFields{}
		if m.Fields.TreeType != nil {
			t := protocol.SanitizeText(*m.Fields.TreeType)
			if t == "" {
				sendError(out, protocol.ErrBadRequest, "empty treeType")
				return
			}
			fields.TreeType = &t
		}
		if m.Fields.Hint != nil {
			h := protocol.SanitizeText(*m.Fields.Hint)
			fields.Hint = &h
		}
		if m.Fields.ExactLocation != nil {
			l := protocol.SanitizeText(*m.Fields.ExactLocation)
			fields.ExactLocation = &l
		}
		if m.Fields.Health != nil {
			if !protocol.ValidHealth(*m.Fields.Health) {
				sendError(out, protocol.ErrBadRequest, "invalid health")
				return
			}
			fields.Health = m.Fields.Health
		}
		sess.Apply(session.Mutation{
			ClientID: clientID,
			MsgID:    m.MsgID,
			Type:     base.Type,
			WorldID:  m.WorldID,
			Fields:   fields,
		})

	case protocol.TypeUpdateHealth:
		var m protocol.UpdateHealthMsg
		if !s.decodeWorldMsg(out, msg, &m, &m.WorldID) {
			return
		}
		if m.Health != nil && !protocol.ValidHealth(*m.Health) {
			sendError(out, protocol.ErrBadRequest, "invalid health")
			return
		}
		sess.Apply(session.Mutation{
			ClientID: clientID,
			MsgID:    m.MsgID,
			Type:     base.Type,
			WorldID:  m.WorldID,
			Health:   m.Health,
		})

	case protocol.TypeMarkDead:
		var m protocol.MarkDeadMsg
		if !s.decodeWorldMsg(out, msg, &m, &m.WorldID) {
			return
		}
		sess.Apply(session.Mutation{ClientID: clientID, MsgID: m.MsgID, Type: base.Type, WorldID: m.WorldID})

	case protocol.TypeClearWorld:
		var m protocol.ClearWorldMsg
		if !s.decodeWorldMsg(out, msg, &m, &m.WorldID) {
			return
		}
		sess.Apply(session.Mutation{ClientID: clientID, MsgID: m.MsgID, Type: base.Type, WorldID: m.WorldID})

	case protocol.TypeSeedWorlds:
		var m protocol.SeedWorldsMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			sendError(out, protocol.ErrBadRequest, "malformed seed")
			return
		}
		sess.Apply(session.Mutation{ClientID: clientID, Type: base.Type, Seed: m.Worlds})

	default:
		sendError(out, protocol.ErrBadRequest, "unknown message type")
	}
}

// decodeWorldMsg unmarshals a world-scoped message and validates its world
// id against the fixed catalog.
func (s *Server) decodeWorldMsg(out chan []byte, msg []byte, v any, worldID *int) bool {
	if err := json.Unmarshal(msg, v); err != nil {
		sendError(out, protocol.ErrBadRequest, "malformed message")
		return false
	}
	if !protocol.ValidWorldID(*worldID, s.cfg.WorldCount) {
		sendError(out, protocol.ErrUnknownWorld, "unknown world id")
		return false
	}
	return true
}

type rateLimiter struct {
	window time.Duration
	max    int

	windowStart time.Time
	count       int
}

// allow implements a fixed window: the count resets at window boundaries.
func (rl *rateLimiter) allow(now time.Time) bool {
	if now.Sub(rl.windowStart) >= rl.window {
		rl.windowStart = now
		rl.count = 0
	}
	rl.count++
	return rl.count <= rl.max
}

func send(out chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
	}
}

func sendError(out chan []byte, code, message string) {
	send(out, protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}
