package sync

// ConflictAction is a resolver's verdict for a single conflicting item.
type ConflictAction int

const (
	// Skip leaves the local row unchanged.
	Skip ConflictAction = iota
	// ForceWrite overrides the version predicate and applies the remote
	// change. A forced Update whose row has been deleted locally is
	// reinstated as an Insert.
	ForceWrite
)

func (a ConflictAction) String() string {
	switch a {
	case Skip:
		return "skip"
	case ForceWrite:
		return "force_write"
	default:
		return "skip"
	}
}

// ConflictResolver decides what to do with an incoming Update or Delete whose
// target row was modified locally after the change-set's target anchor. A nil
// resolver, and any verdict other than ForceWrite, means Skip.
//
// Conflicts are not errors; the resolver is the only channel through which
// they surface.
type ConflictResolver func(item SyncItem) ConflictAction
