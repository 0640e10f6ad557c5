package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"grovesync/internal/protocol"
	"grovesync/internal/session"
	"grovesync/internal/state"
	"grovesync/internal/tuning"
)

func testServer(t *testing.T, mut func(*tuning.Tuning)) (*httptest.Server, *session.Store, string) {
	t.Helper()
	cfg := tuning.Defaults()
	cfg.TransitionIntervalMs = 3_600_000
	if mut != nil {
		mut(&cfg)
	}
	logger := log.New(io.Discard, "", 0)
	store := session.NewStore(cfg, logger, nil)
	srv := httptest.NewServer(NewServer(store, cfg, logger).Handler())
	t.Cleanup(srv.Close)
	code, err := store.Create()
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return srv, store, code
}

func dial(t *testing.T, srv *httptest.Server, code string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session=" + code
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readTyped(t *testing.T, conn *websocket.Conn, wantType string, v any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", wantType, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type != wantType {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(msg, v); err != nil {
				t.Fatalf("unmarshal %s: %v", wantType, err)
			}
		}
		return
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandler_UnknownSessionCloses4404(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	conn := dial(t, srv, "NOSUCH")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseSessionNotFound) {
		t.Fatalf("err = %v, want close %d", err, protocol.CloseSessionNotFound)
	}
}

func TestHandler_DeadSessionCloses4404(t *testing.T) {
	srv, store, code := testServer(t, nil)

	// The session loop exits but the store entry lingers until the reaper
	// sweeps it. A join in that window is a miss, not a capacity rejection.
	sess := store.Get(code)
	sess.Close("expired")
	<-sess.Done()

	conn := dial(t, srv, code)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseSessionNotFound) {
		t.Fatalf("err = %v, want close %d", err, protocol.CloseSessionNotFound)
	}
}

func TestHandler_FullSessionCloses4409(t *testing.T) {
	srv, _, code := testServer(t, func(c *tuning.Tuning) { c.MaxClientsPerSession = 1 })
	first := dial(t, srv, code)
	readTyped(t, first, protocol.TypeSnapshot, nil)

	second := dial(t, srv, code)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseSessionFull) {
		t.Fatalf("err = %v, want close %d", err, protocol.CloseSessionFull)
	}
}

func TestHandler_MutationFlow(t *testing.T) {
	srv, _, code := testServer(t, nil)

	a := dial(t, srv, code)
	readTyped(t, a, protocol.TypeSnapshot, nil)
	b := dial(t, srv, code)
	readTyped(t, b, protocol.TypeSnapshot, nil)

	writeJSON(t, a, `{"type":"setTreeInfo","msgId":1,"worldId":12,"info":{"treeType":"oak","health":75}}`)

	var upA, upB protocol.WorldUpdateMsg
	readTyped(t, a, protocol.TypeWorldUpdate, &upA)
	readTyped(t, b, protocol.TypeWorldUpdate, &upB)
	for _, up := range []protocol.WorldUpdateMsg{upA, upB} {
		if up.WorldID != 12 || up.State == nil || up.State.TreeStatus != state.StatusAlive || up.State.Health != 75 {
			t.Fatalf("update = %+v", up)
		}
	}

	var ack protocol.AckMsg
	readTyped(t, a, protocol.TypeAck, &ack)
	if ack.MsgID != 1 {
		t.Fatalf("ack msgId = %d", ack.MsgID)
	}
}

func TestHandler_ValidationErrors(t *testing.T) {
	srv, _, code := testServer(t, nil)
	conn := dial(t, srv, code)
	readTyped(t, conn, protocol.TypeSnapshot, nil)

	cases := []struct {
		raw      string
		wantCode string
	}{
		{`{"type":"markDead","worldId":900}`, protocol.ErrUnknownWorld},
		{`{"type":"markDead","worldId":0}`, protocol.ErrUnknownWorld},
		{`{"type":"setSpawnTimer","worldId":3,"msFromNow":0}`, protocol.ErrBadRequest},
		{`{"type":"setSpawnTimer","worldId":3,"msFromNow":999999999}`, protocol.ErrBadRequest},
		{`{"type":"setTreeInfo","worldId":3,"info":{"treeType":"  "}}`, protocol.ErrBadRequest},
		{`{"type":"updateHealth","worldId":3,"health":42}`, protocol.ErrBadRequest},
		{`{"type":"bogus"}`, protocol.ErrBadRequest},
		{`not json`, protocol.ErrBadRequest},
	}
	for _, tc := range cases {
		writeJSON(t, conn, tc.raw)
		var e protocol.ErrorMsg
		readTyped(t, conn, protocol.TypeError, &e)
		if e.Code != tc.wantCode {
			t.Fatalf("%s: code = %s, want %s", tc.raw, e.Code, tc.wantCode)
		}
	}
}

func TestHandler_PingPong(t *testing.T) {
	srv, _, code := testServer(t, nil)
	conn := dial(t, srv, code)
	readTyped(t, conn, protocol.TypeSnapshot, nil)

	writeJSON(t, conn, `{"type":"ping"}`)
	readTyped(t, conn, protocol.TypePong, nil)
}

func TestHandler_OversizeMessageRejected(t *testing.T) {
	srv, _, code := testServer(t, func(c *tuning.Tuning) { c.MaxMessageBytes = 256 })
	conn := dial(t, srv, code)
	readTyped(t, conn, protocol.TypeSnapshot, nil)

	big := `{"type":"setTreeInfo","worldId":3,"info":{"treeType":"oak","hint":"` +
		strings.Repeat("x", 400) + `"}}`
	writeJSON(t, conn, big)
	var e protocol.ErrorMsg
	readTyped(t, conn, protocol.TypeError, &e)
	if e.Code != protocol.ErrMsgTooLarge {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestHandler_OversizeMalformedStillTooLarge(t *testing.T) {
	srv, _, code := testServer(t, func(c *tuning.Tuning) { c.MaxMessageBytes = 256 })
	conn := dial(t, srv, code)
	readTyped(t, conn, protocol.TypeSnapshot, nil)

	// Size wins over decodability: garbage past the cap is too large, not
	// a bad request.
	writeJSON(t, conn, strings.Repeat("x", 400))
	var e protocol.ErrorMsg
	readTyped(t, conn, protocol.TypeError, &e)
	if e.Code != protocol.ErrMsgTooLarge {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	srv, _, code := testServer(t, func(c *tuning.Tuning) {
		c.RateLimitMax = 3
		c.RateLimitWindowMs = 60_000
	})
	conn := dial(t, srv, code)
	readTyped(t, conn, protocol.TypeSnapshot, nil)

	for i := 0; i < 4; i++ {
		writeJSON(t, conn, `{"type":"ping"}`)
	}
	// Pongs for the first three, then the limiter trips.
	for i := 0; i < 3; i++ {
		readTyped(t, conn, protocol.TypePong, nil)
	}
	var e protocol.ErrorMsg
	readTyped(t, conn, protocol.TypeError, &e)
	if e.Code != protocol.ErrRateLimit {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestHandler_SeedAcceptedOverSizeCap(t *testing.T) {
	// Seed batches are exempt from the per-message cap; only the larger
	// connection read limit applies to them.
	srv, _, code := testServer(t, func(c *tuning.Tuning) { c.MaxMessageBytes = 128 })
	conn := dial(t, srv, code)
	readTyped(t, conn, protocol.TypeSnapshot, nil)

	var sb strings.Builder
	sb.WriteString(`{"type":"seedWorlds","worlds":{`)
	for i := 1; i <= 20; i++ {
		if i > 1 {
			sb.WriteString(",")
		}
		sb.WriteString(`"` + strconv.Itoa(i) + `":{"treeStatus":"alive","treeType":"oak"}`)
	}
	sb.WriteString(`}}`)
	writeJSON(t, conn, sb.String())

	var up protocol.WorldUpdateMsg
	readTyped(t, conn, protocol.TypeWorldUpdate, &up)
	if up.State == nil || up.State.TreeType != "oak" {
		t.Fatalf("update = %+v", up)
	}
}

func TestHandler_SessionClosePropagates(t *testing.T) {
	srv, store, code := testServer(t, nil)
	conn := dial(t, srv, code)
	readTyped(t, conn, protocol.TypeSnapshot, nil)

	store.Close(code, "expired")

	var closed protocol.SessionClosedMsg
	readTyped(t, conn, protocol.TypeSessionClosed, &closed)
	if closed.Reason != "expired" {
		t.Fatalf("reason = %s", closed.Reason)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("err = %v, want going-away close", err)
			}
			return
		}
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	rl := rateLimiter{window: time.Second, max: 2}
	base := time.Now()
	if !rl.allow(base) || !rl.allow(base.Add(10*time.Millisecond)) {
		t.Fatalf("first two calls should pass")
	}
	if rl.allow(base.Add(20 * time.Millisecond)) {
		t.Fatalf("third call in the window should fail")
	}
	if !rl.allow(base.Add(time.Second)) {
		t.Fatalf("new window should reset the count")
	}
}

