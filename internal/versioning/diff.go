package versioning

import (
	"bytes"
	"encoding/json"
	"sort"

	"cogspace/api/internal/store"
)

type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// Change describes one field that differs between two snapshots. Nested
// objects are compared per key and reported with dotted paths; arrays and
// scalars are compared whole.
type Change struct {
	Field  string     `json:"field"`
	Kind   ChangeKind `json:"kind"`
	Before any        `json:"before,omitempty"`
	After  any        `json:"after,omitempty"`
}

// Diff compares two content snapshots field by field. The result is sorted
// by field path.
func Diff(from, to store.Content) []Change {
	changes := make([]Change, 0)
	diffMaps("", from, to, &changes)
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Field < changes[j].Field
	})
	return changes
}

func HasChanges(from, to store.Content) bool {
	return len(Diff(from, to)) > 0
}

func diffMaps(prefix string, from, to map[string]any, out *[]Change) {
	for key, before := range from {
		field := prefix + key
		after, ok := to[key]
		if !ok {
			*out = append(*out, Change{Field: field, Kind: Removed, Before: before})
			continue
		}
		beforeMap, beforeIsMap := asMap(before)
		afterMap, afterIsMap := asMap(after)
		if beforeIsMap && afterIsMap {
			diffMaps(field+".", beforeMap, afterMap, out)
			continue
		}
		if !equalValues(before, after) {
			*out = append(*out, Change{Field: field, Kind: Changed, Before: before, After: after})
		}
	}
	for key, after := range to {
		if _, ok := from[key]; !ok {
			*out = append(*out, Change{Field: prefix + key, Kind: Added, After: after})
		}
	}
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case store.Content:
		return typed, true
	default:
		return nil, false
	}
}

// equalValues compares through JSON so 1, 1.0 and json.Number("1") agree.
func equalValues(a, b any) bool {
	left, errA := normalize(a)
	right, errB := normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(left, right)
}

func normalize(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, err
	}
	return json.Marshal(parsed)
}
