package protocol

import "grovesync/internal/state"

// setSpawnTimer (client -> server)
type SetSpawnTimerMsg struct {
	Type      string `json:"type"`
	MsgID     int64  `json:"msgId,omitempty"`
	WorldID   int    `json:"worldId"`
	MsFromNow int64  `json:"msFromNow"`
	Hint      string `json:"hint,omitempty"`
}

// setTreeInfo (client -> server)
type SetTreeInfoMsg struct {
	Type    string          `json:"type"`
	MsgID   int64           `json:"msgId,omitempty"`
	WorldID int             `json:"worldId"`
	Info    TreeInfoPayload `json:"info"`
}

type TreeInfoPayload struct {
	TreeType      string `json:"treeType"`
	Hint          string `json:"hint,omitempty"`
	ExactLocation string `json:"exactLocation,omitempty"`
	Health        *int   `json:"health,omitempty"`
}

// updateTreeFields (client -> server). Absent fields stay untouched.
type UpdateTreeFieldsMsg struct {
	Type    string            `json:"type"`
	MsgID   int64             `json:"msgId,omitempty"`
	WorldID int               `json:"worldId"`
	Fields  TreeFieldsPayload `json:"fields"`
}

type TreeFieldsPayload struct {
	TreeType      *string `json:"treeType,omitempty"`
	Hint          *string `json:"hint,omitempty"`
	ExactLocation *string `json:"exactLocation,omitempty"`
	Health        *int    `json:"health,omitempty"`
}

// updateHealth (client -> server). A null/absent health clears it.
type UpdateHealthMsg struct {
	Type    string `json:"type"`
	MsgID   int64  `json:"msgId,omitempty"`
	WorldID int    `json:"worldId"`
	Health  *int   `json:"health,omitempty"`
}

// markDead (client -> server)
type MarkDeadMsg struct {
	Type    string `json:"type"`
	MsgID   int64  `json:"msgId,omitempty"`
	WorldID int    `json:"worldId"`
}

// clearWorld (client -> server)
type ClearWorldMsg struct {
	Type    string `json:"type"`
	MsgID   int64  `json:"msgId,omitempty"`
	WorldID int    `json:"worldId"`
}

// seedWorlds (client -> server): bulk transfer of locally held state,
// accepted only while the session has no state of its own. Never carries a
// msgId; malformed entries are dropped silently rather than failing the
// batch.
type SeedWorldsMsg struct {
	Type   string            `json:"type"`
	Worlds state.WorldStates `json:"worlds"`
}

// ping (client -> server)
type PingMsg struct {
	Type string `json:"type"`
}

// snapshot (server -> client): full active-worlds map, sent once on join.
type SnapshotMsg struct {
	Type   string            `json:"type"`
	Worlds state.WorldStates `json:"worlds"`
}

// worldUpdate (server -> client): one per-world delta. State is null when
// the world was cleared.
type WorldUpdateMsg struct {
	Type    string            `json:"type"`
	WorldID int               `json:"worldId"`
	State   *state.WorldState `json:"state"`
}

// clientCount (server -> client)
type ClientCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ack (server -> client): the tagged mutation has been applied.
type AckMsg struct {
	Type  string `json:"type"`
	MsgID int64  `json:"msgId"`
}

// pong (server -> client)
type PongMsg struct {
	Type string `json:"type"`
}

// error (server -> client): the offending message was rejected; the
// connection stays open.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// sessionClosed (server -> client): sent to every member before the server
// destroys a session.
type SessionClosedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
