package protocol

import "encoding/json"

// Client -> server message types. Everything except seedWorlds and ping may
// carry an optional numeric msgId; the server answers each applied tagged
// mutation with exactly one ack.
const (
	TypeSetSpawnTimer    = "setSpawnTimer"
	TypeSetTreeInfo      = "setTreeInfo"
	TypeUpdateTreeFields = "updateTreeFields"
	TypeUpdateHealth     = "updateHealth"
	TypeMarkDead         = "markDead"
	TypeClearWorld       = "clearWorld"
	TypeSeedWorlds       = "seedWorlds"
	TypePing             = "ping"
)

// Server -> client message types.
const (
	TypeSnapshot      = "snapshot"
	TypeWorldUpdate   = "worldUpdate"
	TypeClientCount   = "clientCount"
	TypeAck           = "ack"
	TypePong          = "pong"
	TypeError         = "error"
	TypeSessionClosed = "sessionClosed"
)

// WebSocket close codes for fatal (non-retryable) connection rejections.
const (
	CloseSessionNotFound = 4404
	CloseSessionFull     = 4409
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type  string `json:"type"`
	MsgID int64  `json:"msgId,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
