package session

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"grovesync/internal/protocol"
	"grovesync/internal/state"
	"grovesync/internal/tuning"
)

const t0 = int64(1_700_000_000_000)

func testTuning() tuning.Tuning {
	cfg := tuning.Defaults()
	// Keep the lifecycle ticker out of the way; tests drive handleTick
	// directly.
	cfg.TransitionIntervalMs = 3_600_000
	return cfg
}

// testSession builds a session without starting its loop so handlers can be
// driven synchronously.
func testSession(cfg tuning.Tuning) *Session {
	s := newSession("TEST01", cfg, log.New(io.Discard, "", 0), nil, nil)
	s.nowFn = func() int64 { return t0 }
	return s
}

func joinClient(t *testing.T, s *Session) (int, chan []byte, <-chan struct{}) {
	t.Helper()
	out := make(chan []byte, 16)
	req := joinRequest{out: out, resp: make(chan joinReply, 1)}
	s.handleJoin(req)
	rep := <-req.resp
	if rep.id == 0 {
		t.Fatalf("join rejected")
	}
	return rep.id, out, rep.gone
}

func recv(t *testing.T, out chan []byte) []byte {
	t.Helper()
	select {
	case b := <-out:
		return b
	default:
		t.Fatalf("expected a queued message")
		return nil
	}
}

func expectNone(t *testing.T, out chan []byte) {
	t.Helper()
	select {
	case b := <-out:
		t.Fatalf("unexpected message: %s", b)
	default:
	}
}

func decodeAs(t *testing.T, b []byte, wantType string, v any) {
	t.Helper()
	base, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if base.Type != wantType {
		t.Fatalf("message type = %s, want %s (%s)", base.Type, wantType, b)
	}
	if v != nil {
		if err := json.Unmarshal(b, v); err != nil {
			t.Fatalf("unmarshal %s: %v", wantType, err)
		}
	}
}

func drain(out chan []byte) {
	for {
		select {
		case <-out:
		default:
			return
		}
	}
}

func TestJoin_SnapshotBeforeAnythingElse(t *testing.T) {
	s := testSession(testTuning())
	s.handleMutation(Mutation{
		Type:    protocol.TypeSetTreeInfo,
		WorldID: 4,
		Info:    state.TreeInfo{TreeType: "oak", Health: 80},
		Now:     t0,
	})

	_, out, _ := joinClient(t, s)

	var snap protocol.SnapshotMsg
	decodeAs(t, recv(t, out), protocol.TypeSnapshot, &snap)
	if len(snap.Worlds) != 1 || snap.Worlds[4].TreeType != "oak" {
		t.Fatalf("snapshot = %+v", snap.Worlds)
	}

	var cc protocol.ClientCountMsg
	decodeAs(t, recv(t, out), protocol.TypeClientCount, &cc)
	if cc.Count != 1 {
		t.Fatalf("count = %d", cc.Count)
	}
}

func TestJoin_SnapshotPrunesBlankRecords(t *testing.T) {
	s := testSession(testTuning())
	// A world whose dead tree already expired keeps a blank entry in the map
	// but must not appear in snapshots.
	s.worlds = state.WorldStates{
		1: {TreeStatus: state.StatusNone},
		2: {TreeStatus: state.StatusAlive, TreeType: "yew"},
	}

	_, out, _ := joinClient(t, s)
	var snap protocol.SnapshotMsg
	decodeAs(t, recv(t, out), protocol.TypeSnapshot, &snap)
	if _, ok := snap.Worlds[1]; ok {
		t.Fatalf("blank record leaked into snapshot")
	}
	if _, ok := snap.Worlds[2]; !ok {
		t.Fatalf("live record missing from snapshot")
	}
}

func TestJoin_CapacityRejected(t *testing.T) {
	cfg := testTuning()
	cfg.MaxClientsPerSession = 1
	s := testSession(cfg)
	joinClient(t, s)

	req := joinRequest{out: make(chan []byte, 1), resp: make(chan joinReply, 1)}
	s.handleJoin(req)
	if rep := <-req.resp; rep.id != 0 {
		t.Fatalf("second join should have been rejected")
	}
}

func TestJoin_DistinguishesFullFromGone(t *testing.T) {
	cfg := testTuning()
	cfg.MaxClientsPerSession = 1
	st := NewStore(cfg, log.New(io.Discard, "", 0), nil)
	code, err := st.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s := st.Get(code)

	if _, _, err := s.Join(make(chan []byte, 16)); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, _, err := s.Join(make(chan []byte, 16)); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("join on a full session: %v", err)
	}

	st.Close(code, "test over")
	<-s.Done()
	if _, _, err := s.Join(make(chan []byte, 16)); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("join on a closed session: %v", err)
	}
}

func TestMutation_BroadcastToAllAckToSender(t *testing.T) {
	s := testSession(testTuning())
	id1, out1, _ := joinClient(t, s)
	_, out2, _ := joinClient(t, s)
	drain(out1)
	drain(out2)

	s.handleMutation(Mutation{
		ClientID: id1,
		MsgID:    7,
		Type:     protocol.TypeSetTreeInfo,
		WorldID:  12,
		Info:     state.TreeInfo{TreeType: "willow"},
		Now:      t0,
	})

	var up protocol.WorldUpdateMsg
	decodeAs(t, recv(t, out1), protocol.TypeWorldUpdate, &up)
	if up.WorldID != 12 || up.State == nil || up.State.TreeStatus != state.StatusAlive {
		t.Fatalf("update = %+v", up)
	}
	decodeAs(t, recv(t, out2), protocol.TypeWorldUpdate, nil)

	var ack protocol.AckMsg
	decodeAs(t, recv(t, out1), protocol.TypeAck, &ack)
	if ack.MsgID != 7 {
		t.Fatalf("ack msgId = %d", ack.MsgID)
	}
	expectNone(t, out2)
}

func TestMutation_NoopStillAcked(t *testing.T) {
	s := testSession(testTuning())
	id1, out1, _ := joinClient(t, s)
	_, out2, _ := joinClient(t, s)
	drain(out1)
	drain(out2)

	// updateTreeFields against an absent world changes nothing.
	tt := "oak"
	s.handleMutation(Mutation{
		ClientID: id1,
		MsgID:    3,
		Type:     protocol.TypeUpdateTreeFields,
		WorldID:  30,
		Fields:   state.TreeFields{TreeType: &tt},
		Now:      t0,
	})

	decodeAs(t, recv(t, out1), protocol.TypeAck, nil)
	expectNone(t, out1)
	expectNone(t, out2)
}

func TestSeed_OnlyIntoEmptySession(t *testing.T) {
	s := testSession(testTuning())
	id1, out1, _ := joinClient(t, s)
	drain(out1)

	s.handleMutation(Mutation{
		ClientID: id1,
		Type:     protocol.TypeSeedWorlds,
		Seed: state.WorldStates{
			3:   {TreeStatus: state.StatusAlive, TreeType: " oak "},
			900: {TreeStatus: state.StatusAlive, TreeType: "birch"}, // out of range, dropped
			5:   {TreeStatus: "zombie"},                            // bad status, dropped
		},
		Now: t0,
	})

	var up protocol.WorldUpdateMsg
	decodeAs(t, recv(t, out1), protocol.TypeWorldUpdate, &up)
	if up.WorldID != 3 || up.State.TreeType != "oak" {
		t.Fatalf("update = %+v", up)
	}
	expectNone(t, out1)
	if len(s.worlds) != 1 {
		t.Fatalf("worlds = %+v", s.worlds)
	}

	// The session now has state; a second seed bounces.
	s.handleMutation(Mutation{
		ClientID: id1,
		Type:     protocol.TypeSeedWorlds,
		Seed:     state.WorldStates{8: {TreeStatus: state.StatusMature}},
		Now:      t0,
	})
	var e protocol.ErrorMsg
	decodeAs(t, recv(t, out1), protocol.TypeError, &e)
	if e.Code != protocol.ErrSeedRejected {
		t.Fatalf("code = %s", e.Code)
	}
	if _, ok := s.worlds[8]; ok {
		t.Fatalf("rejected seed still landed")
	}
}

func TestTick_BroadcastsOnlyChangedWorlds(t *testing.T) {
	s := testSession(testTuning())
	s.handleMutation(Mutation{Type: protocol.TypeSetSpawnTimer, WorldID: 1, MsFromNow: 60_000, Now: t0})
	s.handleMutation(Mutation{Type: protocol.TypeSetTreeInfo, WorldID: 2, Info: state.TreeInfo{TreeType: "oak"}, Now: t0})

	_, out, _ := joinClient(t, s)
	drain(out)

	// Only world 1's spawn comes due.
	s.handleTick(t0 + 60_000)
	var up protocol.WorldUpdateMsg
	decodeAs(t, recv(t, out), protocol.TypeWorldUpdate, &up)
	if up.WorldID != 1 || up.State.TreeStatus != state.StatusSapling {
		t.Fatalf("update = %+v", up)
	}
	expectNone(t, out)

	// Nothing due: no traffic at all.
	s.handleTick(t0 + 61_000)
	expectNone(t, out)
}

func TestLeave_ClosesGoneAndRecounts(t *testing.T) {
	s := testSession(testTuning())
	id1, out1, gone1 := joinClient(t, s)
	_, out2, _ := joinClient(t, s)
	drain(out1)
	drain(out2)

	s.handleLeave(id1)
	select {
	case <-gone1:
	default:
		t.Fatalf("gone channel not closed on leave")
	}
	var cc protocol.ClientCountMsg
	decodeAs(t, recv(t, out2), protocol.TypeClientCount, &cc)
	if cc.Count != 1 {
		t.Fatalf("count = %d", cc.Count)
	}
	if s.emptySince.Load() != 0 {
		t.Fatalf("emptySince set while a client remains")
	}

	s.handleLeave(2)
	if s.emptySince.Load() == 0 {
		t.Fatalf("emptySince not set when the last client left")
	}
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	s := testSession(testTuning())
	id, out, gone := joinClient(t, s)
	// Leave the snapshot and clientCount in place and fill the rest of the
	// queue so the next broadcast cannot be delivered.
	for i := len(out); i < cap(out); i++ {
		out <- []byte("{}")
	}

	s.handleMutation(Mutation{Type: protocol.TypeMarkDead, WorldID: 9, Now: t0})

	select {
	case <-gone:
	default:
		t.Fatalf("slow client was not dropped")
	}
	if _, ok := s.clients[id]; ok {
		t.Fatalf("slow client still registered")
	}
}

func TestShutdown_NotifiesMembers(t *testing.T) {
	s := testSession(testTuning())
	_, out, gone := joinClient(t, s)
	drain(out)

	s.shutdown("expired")
	var closed protocol.SessionClosedMsg
	decodeAs(t, recv(t, out), protocol.TypeSessionClosed, &closed)
	if closed.Reason != "expired" {
		t.Fatalf("reason = %s", closed.Reason)
	}
	select {
	case <-gone:
	default:
		t.Fatalf("gone channel not closed on shutdown")
	}
	if s.ClientCount() != 0 {
		t.Fatalf("clientCount = %d", s.ClientCount())
	}
}

func TestSessionLoop_EndToEnd(t *testing.T) {
	cfg := testTuning()
	st := NewStore(cfg, log.New(io.Discard, "", 0), nil)
	code, err := st.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s := st.Get(code)

	out := make(chan []byte, 16)
	id, _, err := s.Join(out)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	s.Apply(Mutation{ClientID: id, MsgID: 1, Type: protocol.TypeMarkDead, WorldID: 2, Now: t0})

	deadline := time.After(2 * time.Second)
	var sawUpdate, sawAck bool
	for !(sawUpdate && sawAck) {
		select {
		case b := <-out:
			base, _ := protocol.DecodeBase(b)
			switch base.Type {
			case protocol.TypeWorldUpdate:
				sawUpdate = true
			case protocol.TypeAck:
				sawAck = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for update+ack (update=%v ack=%v)", sawUpdate, sawAck)
		}
	}

	st.Close(code, "test over")
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session loop did not exit")
	}
}
