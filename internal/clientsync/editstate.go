package clientsync

import "fmt"

// EditPhase is the lifecycle of one optimistic edit. The machine is
// deliberately independent of any rendering concern so transitions can be
// tested on their own.
type EditPhase string

const (
	EditIdle       EditPhase = "idle"
	EditEditing    EditPhase = "editing"
	EditSubmitting EditPhase = "submitting"
	EditCommitted  EditPhase = "committed"
	EditRolledBack EditPhase = "rolled_back"
)

type EditEvent string

const (
	EventBegin  EditEvent = "begin"
	EventSubmit EditEvent = "submit"
	EventCommit EditEvent = "commit"
	EventReject EditEvent = "reject"
)

// EditState is a tagged variant: Phase selects which fields are meaningful.
// IntendedName is set from EventBegin onward; CommittedVersion only in
// EditCommitted.
type EditState struct {
	Phase            EditPhase
	EntityID         string
	IntendedName     string
	CommittedVersion int64
}

// Transition applies ev to st and returns the next state, or an error for
// an event that is not legal in the current phase.
func Transition(st EditState, ev EditEvent, intendedName string, version int64) (EditState, error) {
	switch st.Phase {
	case "", EditIdle, EditCommitted, EditRolledBack:
		if ev != EventBegin {
			return st, fmt.Errorf("edit %s: cannot %s from %s", st.EntityID, ev, phaseOf(st))
		}
		return EditState{Phase: EditEditing, EntityID: st.EntityID, IntendedName: intendedName}, nil
	case EditEditing:
		switch ev {
		case EventBegin:
			// Re-editing before submit just replaces the intended value.
			return EditState{Phase: EditEditing, EntityID: st.EntityID, IntendedName: intendedName}, nil
		case EventSubmit:
			return EditState{Phase: EditSubmitting, EntityID: st.EntityID, IntendedName: st.IntendedName}, nil
		default:
			return st, fmt.Errorf("edit %s: cannot %s from editing", st.EntityID, ev)
		}
	case EditSubmitting:
		switch ev {
		case EventCommit:
			return EditState{Phase: EditCommitted, EntityID: st.EntityID, IntendedName: st.IntendedName, CommittedVersion: version}, nil
		case EventReject:
			return EditState{Phase: EditRolledBack, EntityID: st.EntityID}, nil
		default:
			return st, fmt.Errorf("edit %s: cannot %s from submitting", st.EntityID, ev)
		}
	default:
		return st, fmt.Errorf("edit %s: unknown phase %q", st.EntityID, st.Phase)
	}
}

func phaseOf(st EditState) EditPhase {
	if st.Phase == "" {
		return EditIdle
	}
	return st.Phase
}
