package state

// Mutators are pure: they never modify the input map. Each returns the same
// reference when nothing changed so callers can detect no-ops cheaply.

// TreeInfo is a full sighting report. It overwrites whatever tree data the
// world held before.
type TreeInfo struct {
	TreeType      string
	Hint          string
	ExactLocation string
	Health        int // 0 means unreported
}

// TreeFields is a partial update; nil fields are left untouched. A nil
// Health pointer leaves health alone (clearing goes through UpdateHealth).
type TreeFields struct {
	TreeType      *string
	Hint          *string
	ExactLocation *string
	Health        *int
}

// SetSpawnTimer replaces the world entry entirely with a pending spawn
// expected msFromNow in the future. Any prior tree data is discarded.
// Bounds on msFromNow are enforced upstream.
func SetSpawnTimer(states WorldStates, id int, msFromNow, now int64, hint string) WorldStates {
	next := clone(states)
	next[id] = WorldState{
		TreeStatus:      StatusNone,
		Hint:            hint,
		NextSpawnTarget: now + msFromNow,
		SpawnSetAt:      now,
	}
	return next
}

// SetTreeInfo records a confirmed sighting. A sapling marker yields status
// sapling with maturity due in five minutes; type "unknown" yields a mature
// tree of unconfirmed type; any concrete type yields alive. The death clock
// for mature/alive runs from MatureAt, so directly-reported grown trees get
// MatureAt = now.
func SetTreeInfo(states WorldStates, id int, info TreeInfo, now int64) WorldStates {
	ws := WorldState{
		TreeType:      info.TreeType,
		Hint:          info.Hint,
		ExactLocation: info.ExactLocation,
		Health:        info.Health,
		TreeSetAt:     now,
	}
	switch {
	case IsSaplingMarker(info.TreeType):
		ws.TreeStatus = StatusSapling
		ws.MatureAt = now + SaplingMatureMs
	case info.TreeType == TypeUnknown || info.TreeType == TypeMature || info.TreeType == "":
		ws.TreeStatus = StatusMature
		ws.MatureAt = now
	default:
		ws.TreeStatus = StatusAlive
		ws.MatureAt = now
	}
	next := clone(states)
	next[id] = ws
	return next
}

// UpdateTreeFields merges partial fields into an existing entry. It is a
// no-op when the world has no entry. Supplying a concrete tree type promotes
// sapling/mature to alive; the promotion is one-way.
func UpdateTreeFields(states WorldStates, id int, fields TreeFields) WorldStates {
	ws, ok := states[id]
	if !ok {
		return states
	}
	if fields.TreeType != nil {
		ws.TreeType = *fields.TreeType
		if !IsGenericType(*fields.TreeType) &&
			(ws.TreeStatus == StatusSapling || ws.TreeStatus == StatusMature) {
			ws.TreeStatus = StatusAlive
		}
	}
	if fields.Hint != nil {
		ws.Hint = *fields.Hint
	}
	if fields.ExactLocation != nil {
		ws.ExactLocation = *fields.ExactLocation
	}
	if fields.Health != nil {
		ws.Health = *fields.Health
	}
	if ws == states[id] {
		return states
	}
	next := clone(states)
	next[id] = ws
	return next
}

// UpdateHealth sets or clears (nil) the health of an existing entry; no-op
// when the world has no entry.
func UpdateHealth(states WorldStates, id int, health *int) WorldStates {
	ws, ok := states[id]
	if !ok {
		return states
	}
	if health == nil {
		ws.Health = 0
	} else {
		ws.Health = *health
	}
	if ws == states[id] {
		return states
	}
	next := clone(states)
	next[id] = ws
	return next
}

// MarkDead forces the world's tree dead regardless of its prior state. This
// doubles as the correction path from any phase, including no entry at all.
func MarkDead(states WorldStates, id int, now int64) WorldStates {
	ws := states[id]
	ws.TreeStatus = StatusDead
	ws.DeadAt = now
	ws.Health = 0
	ws.NextSpawnTarget = 0
	ws.SpawnSetAt = 0
	next := clone(states)
	next[id] = ws
	return next
}

// ClearWorld removes the entry entirely; no-op when absent.
func ClearWorld(states WorldStates, id int) WorldStates {
	if _, ok := states[id]; !ok {
		return states
	}
	next := clone(states)
	delete(next, id)
	return next
}
