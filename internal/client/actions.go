package client

import (
	"encoding/json"
	"time"

	"grovesync/internal/protocol"
	"grovesync/internal/state"
)

var jsonUnmarshal = json.Unmarshal

// SetSpawnTimer schedules a spawn countdown for a world.
func (c *Client) SetSpawnTimer(worldID int, after time.Duration, hint string) {
	ms := after.Milliseconds()
	hint = protocol.SanitizeText(hint)
	c.enqueue(func(msgID int64) any {
		return protocol.SetSpawnTimerMsg{
			Type:      protocol.TypeSetSpawnTimer,
			MsgID:     msgID,
			WorldID:   worldID,
			MsFromNow: ms,
			Hint:      hint,
		}
	}, func(worlds state.WorldStates, now int64) state.WorldStates {
		return state.SetSpawnTimer(worlds, worldID, ms, now, hint)
	})
}

// SetTreeInfo reports a discovered tree.
func (c *Client) SetTreeInfo(worldID int, info state.TreeInfo) {
	info.TreeType = protocol.SanitizeText(info.TreeType)
	info.Hint = protocol.SanitizeText(info.Hint)
	info.ExactLocation = protocol.SanitizeText(info.ExactLocation)
	c.enqueue(func(msgID int64) any {
		return protocol.SetTreeInfoMsg{
			Type:    protocol.TypeSetTreeInfo,
			MsgID:   msgID,
			WorldID: worldID,
			Info:    toInfoPayload(info),
		}
	}, func(worlds state.WorldStates, now int64) state.WorldStates {
		return state.SetTreeInfo(worlds, worldID, info, now)
	})
}

// UpdateTreeFields patches individual fields of an existing record.
func (c *Client) UpdateTreeFields(worldID int, fields state.TreeFields) {
	if fields.TreeType != nil {
		v := protocol.SanitizeText(*fields.TreeType)
		fields.TreeType = &v
	}
	if fields.Hint != nil {
		v := protocol.SanitizeText(*fields.Hint)
		fields.Hint = &v
	}
	if fields.ExactLocation != nil {
		v := protocol.SanitizeText(*fields.ExactLocation)
		fields.ExactLocation = &v
	}
	c.enqueue(func(msgID int64) any {
		return protocol.UpdateTreeFieldsMsg{
			Type:    protocol.TypeUpdateTreeFields,
			MsgID:   msgID,
			WorldID: worldID,
			Fields:  toFieldsPayload(fields),
		}
	}, func(worlds state.WorldStates, now int64) state.WorldStates {
		return state.UpdateTreeFields(worlds, worldID, fields)
	})
}

// UpdateHealth sets or clears the health reading. nil clears.
func (c *Client) UpdateHealth(worldID int, health *int) {
	c.enqueue(func(msgID int64) any {
		return protocol.UpdateHealthMsg{
			Type:    protocol.TypeUpdateHealth,
			MsgID:   msgID,
			WorldID: worldID,
			Health:  health,
		}
	}, func(worlds state.WorldStates, now int64) state.WorldStates {
		return state.UpdateHealth(worlds, worldID, health)
	})
}

// MarkDead flags a world's tree as chopped.
func (c *Client) MarkDead(worldID int) {
	c.enqueue(func(msgID int64) any {
		return protocol.MarkDeadMsg{
			Type:    protocol.TypeMarkDead,
			MsgID:   msgID,
			WorldID: worldID,
		}
	}, func(worlds state.WorldStates, now int64) state.WorldStates {
		return state.MarkDead(worlds, worldID, now)
	})
}

// ClearWorld removes a world's record entirely.
func (c *Client) ClearWorld(worldID int) {
	c.enqueue(func(msgID int64) any {
		return protocol.ClearWorldMsg{
			Type:    protocol.TypeClearWorld,
			MsgID:   msgID,
			WorldID: worldID,
		}
	}, func(worlds state.WorldStates, now int64) state.WorldStates {
		return state.ClearWorld(worlds, worldID)
	})
}

// SeedWorlds pushes a bulk import. Seeds carry no msgId and are not queued
// for replay; the call reports whether the message left on an open link.
func (c *Client) SeedWorlds(worlds state.WorldStates) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	msg := protocol.SeedWorldsMsg{
		Type:   protocol.TypeSeedWorlds,
		Worlds: worlds,
	}
	return c.writeJSON(conn, msg) == nil
}

func toInfoPayload(info state.TreeInfo) protocol.TreeInfoPayload {
	p := protocol.TreeInfoPayload{
		TreeType:      info.TreeType,
		Hint:          info.Hint,
		ExactLocation: info.ExactLocation,
	}
	if info.Health != 0 {
		h := info.Health
		p.Health = &h
	}
	return p
}

func toFieldsPayload(fields state.TreeFields) protocol.TreeFieldsPayload {
	return protocol.TreeFieldsPayload{
		TreeType:      fields.TreeType,
		Hint:          fields.Hint,
		ExactLocation: fields.ExactLocation,
		Health:        fields.Health,
	}
}
