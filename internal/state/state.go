package state

import (
	"reflect"
	"strings"
)

// TreeStatus is the lifecycle phase of a single world's tree.
type TreeStatus string

const (
	StatusNone    TreeStatus = "none"
	StatusSapling TreeStatus = "sapling"
	StatusMature  TreeStatus = "mature"
	StatusAlive   TreeStatus = "alive"
	StatusDead    TreeStatus = "dead"
)

// Lifecycle thresholds, unix-millisecond durations.
const (
	SaplingMatureMs  = 5 * 60 * 1000
	MatureLifetimeMs = 30 * 60 * 1000
	DeadLingerMs     = 10 * 60 * 1000
	SpawnTimerMaxMs  = 2 * 60 * 60 * 1000
)

// Tree type vocabulary. "sapling" and "sapling-<type>" mark an unconfirmed
// sapling; "unknown" and "mature" mark a grown tree whose type nobody has
// identified yet. Anything else is a confirmed concrete type.
const (
	TypeSapling   = "sapling"
	TypeUnknown   = "unknown"
	TypeMature    = "mature"
	saplingPrefix = "sapling-"
)

// WorldState is everything known about one world. All timestamps are unix
// milliseconds. The zero value is the explicit "nothing here" record, which
// is distinct from the world id being absent from the map entirely (absence
// means "no known information").
type WorldState struct {
	TreeStatus      TreeStatus `json:"treeStatus"`
	TreeType        string     `json:"treeType,omitempty"`
	Hint            string     `json:"hint,omitempty"`
	ExactLocation   string     `json:"exactLocation,omitempty"`
	Health          int        `json:"health,omitempty"`
	TreeSetAt       int64      `json:"treeSetAt,omitempty"`
	MatureAt        int64      `json:"matureAt,omitempty"`
	DeadAt          int64      `json:"deadAt,omitempty"`
	NextSpawnTarget int64      `json:"nextSpawnTarget,omitempty"`
	SpawnSetAt      int64      `json:"spawnSetAt,omitempty"`
}

// WorldStates maps world id to the known state for that world.
type WorldStates map[int]WorldState

// Active reports whether a world should appear in snapshots: anything with a
// live tree phase or a pending spawn timer. A blank record (explicitly
// cleared or expired) is not active.
func (ws WorldState) Active() bool {
	return ws.TreeStatus != "" && ws.TreeStatus != StatusNone || ws.NextSpawnTarget > 0
}

// HasTree reports whether the world currently holds a tree in any phase.
func (ws WorldState) HasTree() bool {
	switch ws.TreeStatus {
	case StatusSapling, StatusMature, StatusAlive, StatusDead:
		return true
	}
	return false
}

// IsGenericType reports whether t is an unconfirmed marker rather than a
// concrete tree type.
func IsGenericType(t string) bool {
	return t == "" || t == TypeSapling || t == TypeUnknown || t == TypeMature ||
		strings.HasPrefix(t, saplingPrefix)
}

// IsSaplingMarker reports whether t marks a sapling sighting.
func IsSaplingMarker(t string) bool {
	return t == TypeSapling || strings.HasPrefix(t, saplingPrefix)
}

// resolveSaplingType strips the sapling marker from a type, yielding the
// type the tree will have once grown ("" when the sapling was generic).
func resolveSaplingType(t string) string {
	if t == TypeSapling {
		return ""
	}
	return strings.TrimPrefix(t, saplingPrefix)
}

// SameRef reports whether two maps share the same underlying storage.
// Mutators return their input unchanged on a no-op, so callers can use this
// to skip broadcasts without diffing.
func SameRef(a, b WorldStates) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func clone(states WorldStates) WorldStates {
	next := make(WorldStates, len(states)+1)
	for id, ws := range states {
		next[id] = ws
	}
	return next
}
