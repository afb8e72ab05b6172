package txn

import (
	"errors"
	"fmt"

	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// Common errors
var (
	ErrTransactionClosed      = errors.New("txn: transaction is not active")
	ErrManagerClosed          = errors.New("txn: manager closed")
	ErrNotFound               = storage.ErrNotFound
	ErrAlreadyExists          = errors.New("txn: already exists")
	ErrDanglingReference      = errors.New("txn: dangling reference")
	ErrEntityHasRelationships = errors.New("txn: entity has relationships")
)

// ConstraintViolationError is returned by Commit when the merged state would
// violate an active constraint.
type ConstraintViolationError = index.ConstraintViolationError

// ConflictError is returned by Commit when something the transaction read
// was changed by a commit newer than its snapshot. The transaction is
// aborted; callers should retry with a fresh transaction.
type ConflictError struct {
	TxID     string
	Kind     model.SubjectKind
	ID       string // Record whose state changed, empty for index conflicts
	Index    string // Index whose scanned range changed
	Version  uint64 // Conflicting commit
	Snapshot uint64
}

func (e *ConflictError) Error() string {
	if e.Index != "" {
		return fmt.Sprintf("txn: conflict in index %s: range modified by commit %d after snapshot %d",
			e.Index, e.Version, e.Snapshot)
	}
	return fmt.Sprintf("txn: conflict on %s %s: modified by commit %d after snapshot %d",
		e.Kind, e.ID, e.Version, e.Snapshot)
}

// IsConflict reports whether err is a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsConstraintViolation reports whether err is a *ConstraintViolationError.
func IsConstraintViolation(err error) bool {
	var cve *ConstraintViolationError
	return errors.As(err, &cve)
}
