// Package invariant defines the typed violation error raised when a store-level
// rule is broken: evidence binding for FACT rows, node immutability, and action
// governance. Callers must not catch and ignore these.
package invariant

import "fmt"

type Kind string

const (
	EvidenceBinding  Kind = "EVIDENCE_BINDING"
	NodeImmutability Kind = "NODE_IMMUTABILITY"
	ActionGovernance Kind = "ACTION_GOVERNANCE"
)

type Violation struct {
	Kind   Kind
	RowID  string
	Detail string
}

func (v *Violation) Error() string {
	if v.RowID == "" {
		return fmt.Sprintf("invariant %s violated: %s", v.Kind, v.Detail)
	}
	return fmt.Sprintf("invariant %s violated on row %s: %s", v.Kind, v.RowID, v.Detail)
}

func New(kind Kind, rowID, detail string) *Violation {
	return &Violation{Kind: kind, RowID: rowID, Detail: detail}
}

// Is reports whether err is a Violation of the given kind.
func Is(err error, kind Kind) bool {
	v, ok := err.(*Violation)
	return ok && v.Kind == kind
}
