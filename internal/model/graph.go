package model

import (
	"fmt"

	nmoserrors "github.com/nmosnode/node/internal/errors"
)

// ParentField names the JSON field on each child type that must reference an
// already-present resource of the paired parent type (spec.md §3's referential
// integrity rule). Node has no parent; subscription and grain are not part of the
// registration forest and are validated separately by their owning components.
var ParentField = map[Type]struct {
	Field  string
	Parent Type
}{
	TypeDevice:   {Field: "node_id", Parent: TypeNode},
	TypeSource:   {Field: "device_id", Parent: TypeDevice},
	TypeFlow:     {Field: "source_id", Parent: TypeSource},
	TypeSender:   {Field: "flow_id", Parent: TypeFlow},
	TypeReceiver: {Field: "device_id", Parent: TypeDevice},
}

// ValidateParents checks that r.Parents holds a Ref for the required parent
// field of r.Type and that exists(parentID) is true for it. Only the first Ref
// naming that field is checked; Refs naming other fields are ignored. exists is
// called at most once; the store supplies it under its own lock so this function
// never needs to know about locking.
func ValidateParents(r *Resource, exists func(id string) bool) error {
	rule, required := ParentField[r.Type]
	if !required {
		return nil
	}
	for _, ref := range r.Parents {
		if ref.Field != rule.Field {
			continue
		}
		if !exists(ref.ID) {
			return fmt.Errorf("%w: %s %q references %s %q", nmoserrors.ErrDanglingReference, r.Type, r.ID, rule.Parent, ref.ID)
		}
		return nil
	}
	return fmt.Errorf("%w: %s %q missing required parent field %q", nmoserrors.ErrDanglingReference, r.Type, r.ID, rule.Field)
}
