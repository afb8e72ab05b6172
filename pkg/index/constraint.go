package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// ConstraintKind is the kind of a schema constraint.
type ConstraintKind uint8

const (
	ConstraintUnique ConstraintKind = iota + 1
	ConstraintRequired
)

func (k ConstraintKind) String() string {
	switch k {
	case ConstraintUnique:
		return "UNIQUE"
	case ConstraintRequired:
		return "REQUIRED"
	default:
		return fmt.Sprintf("CONSTRAINT(%d)", uint8(k))
	}
}

// Valid reports whether k is a declared constraint kind.
func (k ConstraintKind) Valid() bool {
	return k == ConstraintUnique || k == ConstraintRequired
}

// ParseConstraintKind accepts "unique" and "required" (also "exists" and
// "not null"), case-insensitively.
func ParseConstraintKind(s string) (ConstraintKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unique":
		return ConstraintUnique, nil
	case "required", "exists", "not null":
		return ConstraintRequired, nil
	}
	return 0, fmt.Errorf("index: unknown constraint kind %q", s)
}

// Constraint is an active schema rule over one property of one type.
type Constraint struct {
	Key  Key            `msgpack:"key"`
	Kind ConstraintKind `msgpack:"kind"`
}

// Name returns a stable name for the constraint.
func (c Constraint) Name() string {
	return strings.ToLower(c.Kind.String()) + ":" + c.Key.String()
}

// ConstraintViolationError reports a write that would leave committed state
// violating a constraint.
type ConstraintViolationError struct {
	Constraint    Constraint
	ID            string
	Value         any
	ConflictingID string
	Message       string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("Constraint violation (%s on %s.%s): %s",
		e.Constraint.Kind, e.Constraint.Key.Type, e.Constraint.Key.Property, e.Message)
}

// Write is the final image of one record written by a committing
// transaction. A nil Image means the record is deleted.
type Write struct {
	Kind  model.SubjectKind
	ID    string
	Image model.Subject
}

// checkRequired verifies every required constraint on the written image.
func checkRequired(c Constraint, w Write) error {
	v, ok := w.Image.Property(c.Key.Property)
	if ok && v != nil {
		return nil
	}
	return &ConstraintViolationError{
		Constraint: c,
		ID:         w.ID,
		Message:    fmt.Sprintf("%s %s must have property %q", c.Key.Kind, w.ID, c.Key.Property),
	}
}

type pendingValue struct {
	value any
	id    string
}

// checkUniqueWithin reports two writes of one transaction sharing a value.
func checkUniqueWithin(c Constraint, vals []pendingValue) error {
	sort.Slice(vals, func(i, j int) bool {
		if cmp := model.CompareValues(vals[i].value, vals[j].value); cmp != 0 {
			return cmp < 0
		}
		return vals[i].id < vals[j].id
	})
	for i := 1; i < len(vals); i++ {
		if model.ValuesEqual(vals[i-1].value, vals[i].value) {
			return uniqueViolation(c, vals[i].id, vals[i].value, vals[i-1].id)
		}
	}
	return nil
}

func uniqueViolation(c Constraint, id string, v any, other string) error {
	return &ConstraintViolationError{
		Constraint:    c,
		ID:            id,
		Value:         v,
		ConflictingID: other,
		Message: fmt.Sprintf("%s %s has %s=%v which already exists on %s",
			c.Key.Kind, id, c.Key.Property, v, other),
	}
}
