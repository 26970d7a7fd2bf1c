package artifact

import "cogspace/api/internal/store"

// transitions lists every edge of the artifact lifecycle. Archived has no
// outgoing edges.
var transitions = map[store.State][]store.State{
	store.StateDraft:      {store.StateInProgress},
	store.StateInProgress: {store.StateInProgress, store.StateReview},
	store.StateReview:     {store.StateInProgress, store.StateFinalized},
	store.StateFinalized:  {store.StateArchived},
}

func CanTransition(from, to store.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanSetState reports whether an explicit state change (not a content write)
// may move an artifact from one state to another. Draft -> InProgress and
// InProgress -> InProgress only happen as a side effect of committing content.
func CanSetState(from, to store.State) bool {
	if from == store.StateDraft && to == store.StateInProgress {
		return false
	}
	if from == to {
		return false
	}
	return CanTransition(from, to)
}

// CanWrite reports whether new versions may be committed in state s.
func CanWrite(s store.State) bool {
	return s == store.StateDraft || s == store.StateInProgress
}

// StateAfterWrite is the state an artifact lands in after an accepted write.
func StateAfterWrite(s store.State) store.State {
	if s == store.StateDraft {
		return store.StateInProgress
	}
	return s
}
