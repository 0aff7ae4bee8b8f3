package domain

// Mutation is one of the fixed write shapes a TaskStore accepts.
type Mutation interface {
	// Apply returns t with the mutation applied. UpdatedAt is set by the store.
	Apply(t Task) Task
	isMutation()
}

// SetOwnership replaces owner, backup and role. A nil field clears it.
type SetOwnership struct {
	Owner  *string
	Backup *string
	Role   *string
}

func (m SetOwnership) Apply(t Task) Task {
	t.OwnerPersonID = clean(m.Owner)
	t.BackupPersonID = clean(m.Backup)
	t.OwnerRole = clean(m.Role)
	return t
}

// SetCompletion toggles the completion state.
type SetCompletion struct {
	Completed bool
	By        *string
	At        *string
}

func (m SetCompletion) Apply(t Task) Task {
	t.IsCompleted = m.Completed
	if m.Completed {
		t.CompletedBy = clean(m.By)
		t.CompletedAt = clean(m.At)
	} else {
		t.CompletedBy = nil
		t.CompletedAt = nil
	}
	return t
}

// HandoverReassign moves ownership away from ExpectedOwner. Stores apply it
// only while the task is still incomplete and owned by ExpectedOwner,
// otherwise they fail with ErrOwnerChanged.
type HandoverReassign struct {
	ExpectedOwner string
	Owner         *string
	Backup        *string
	Role          *string
}

func (m HandoverReassign) Apply(t Task) Task {
	t.OwnerPersonID = clean(m.Owner)
	t.BackupPersonID = clean(m.Backup)
	t.OwnerRole = clean(m.Role)
	return t
}

// Applicable reports whether t still matches the handover precondition.
func (m HandoverReassign) Applicable(t Task) bool {
	return !t.IsCompleted && t.Owner() == m.ExpectedOwner
}

func (SetOwnership) isMutation()     {}
func (SetCompletion) isMutation()    {}
func (HandoverReassign) isMutation() {}

// Ptr returns a pointer to s, or nil for "".
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clean(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	s := *v
	return &s
}
