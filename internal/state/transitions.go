package state

// ApplyTransitions advances every world whose lifecycle threshold has
// elapsed at now. Transitions fire off the recorded phase-start timestamps,
// never off now itself, so the resulting values are identical regardless of
// how often the caller polls. A single pass can carry one world through
// several phases (a sapling set long ago crosses maturity, death and
// clearing in one call), so the phases run as a sequential pipeline.
// Returns the same reference when nothing was due.
func ApplyTransitions(states WorldStates, now int64) WorldStates {
	var next WorldStates
	for id, ws := range states {
		adv := advance(ws, now)
		if adv == ws {
			continue
		}
		if next == nil {
			next = clone(states)
		}
		next[id] = adv
	}
	if next == nil {
		return states
	}
	return next
}

func advance(ws WorldState, now int64) WorldState {
	// Pending spawn comes due: a sapling appears at exactly the target time.
	if !ws.HasTree() && ws.NextSpawnTarget > 0 && now >= ws.NextSpawnTarget {
		target := ws.NextSpawnTarget
		ws = WorldState{
			TreeStatus: StatusSapling,
			Hint:       ws.Hint,
			TreeSetAt:  target,
			MatureAt:   target + SaplingMatureMs,
		}
	}

	// Sapling grows up. A "sapling-<type>" marker resolves to the confirmed
	// type, which lands the tree directly in alive; a generic sapling
	// matures with its type still unknown.
	if ws.TreeStatus == StatusSapling {
		matureAt := ws.MatureAt
		if matureAt == 0 {
			matureAt = ws.TreeSetAt + SaplingMatureMs
		}
		if now >= matureAt {
			resolved := resolveSaplingType(ws.TreeType)
			ws.TreeType = resolved
			ws.MatureAt = matureAt
			if IsGenericType(resolved) {
				ws.TreeStatus = StatusMature
			} else {
				ws.TreeStatus = StatusAlive
			}
		}
	}

	// Grown trees die a fixed lifetime after maturity.
	if (ws.TreeStatus == StatusMature || ws.TreeStatus == StatusAlive) && ws.MatureAt > 0 {
		if deadAt := ws.MatureAt + MatureLifetimeMs; now >= deadAt {
			ws.TreeStatus = StatusDead
			ws.DeadAt = deadAt
			ws.Health = 0
			ws.NextSpawnTarget = 0
			ws.SpawnSetAt = 0
		}
	}

	// Dead trees linger briefly, then the entry resets to the blank record.
	if ws.TreeStatus == StatusDead && ws.DeadAt > 0 && now >= ws.DeadAt+DeadLingerMs {
		ws = WorldState{TreeStatus: StatusNone}
	}

	return ws
}
