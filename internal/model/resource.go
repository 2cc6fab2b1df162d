// Package model defines the NMOS resource graph's types: the eight resource kinds,
// the parent/child relationships that must hold for referential integrity, and the
// event-type wildcard matching rule used by the event/tally engine.
package model

import (
	"encoding/json"
	"fmt"

	nmoserrors "github.com/nmosnode/node/internal/errors"
	"github.com/nmosnode/node/pkg/timestamp"
)

// Type identifies one of the eight NMOS resource kinds.
type Type string

const (
	TypeNode         Type = "node"
	TypeDevice       Type = "device"
	TypeSource       Type = "source"
	TypeFlow         Type = "flow"
	TypeSender       Type = "sender"
	TypeReceiver     Type = "receiver"
	TypeSubscription Type = "subscription"
	TypeGrain        Type = "grain"
)

// typeOrder fixes the precedence used by Store.Snapshot: parents before children,
// with subscription/grain (which aren't part of the registration forest) last.
var typeOrder = map[Type]int{
	TypeNode:         0,
	TypeDevice:       1,
	TypeSource:       2,
	TypeFlow:         3,
	TypeSender:       4,
	TypeReceiver:     5,
	TypeSubscription: 6,
	TypeGrain:        7,
}

// Precedence returns the snapshot ordering rank of t; lower sorts first.
func (t Type) Precedence() int {
	if p, ok := typeOrder[t]; ok {
		return p
	}
	return len(typeOrder)
}

// advertised reports whether resources of this type are subject to health-based
// expiry (the singleton node and subscriptions follow separate lifetimes, §4.4).
func (t Type) advertised() bool {
	switch t {
	case TypeDevice, TypeSource, TypeFlow, TypeSender, TypeReceiver:
		return true
	default:
		return false
	}
}

// Ref is a typed parent reference used to validate referential integrity on insert.
type Ref struct {
	Field string // JSON field carrying the id, e.g. "device_id"
	ID    string
}

// Resource is one node in the NMOS resource graph.
type Resource struct {
	ID            string
	Type          Type
	APIVersion    string
	SchemaVersion string
	Payload       json.RawMessage
	Version       timestamp.Version
	Health        int64 // unix seconds of last heartbeat/observation
	Parents       []Ref // declared parent ids, validated on insert
	Children      map[string]struct{}
}

// Clone returns a deep-enough copy of r safe to hand outside the store's lock: the
// payload bytes and the children set are copied, so a caller can't corrupt the
// store's internal state through the returned value.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Children != nil {
		clone.Children = make(map[string]struct{}, len(r.Children))
		for id := range r.Children {
			clone.Children[id] = struct{}{}
		}
	}
	if r.Parents != nil {
		clone.Parents = append([]Ref(nil), r.Parents...)
	}
	return &clone
}

// ExpiryEligible reports whether r participates in health-based expiry sweeps.
func (r *Resource) ExpiryEligible() bool { return r.Type.advertised() }

// Field reads a named top-level field from the payload into out. Missing fields
// fail with a classified Invalid error naming the missing field, per the
// "typed accessors... missing fields fail with Validation" design note.
func (r *Resource) Field(name string, out any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Payload, &fields); err != nil {
		return nmoserrors.WrapInvalid(err, "model", "Field", "decode payload")
	}
	raw, ok := fields[name]
	if !ok {
		return nmoserrors.WrapInvalid(fmt.Errorf("missing field %q", name), "model", "Field", "read field")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nmoserrors.WrapInvalid(err, "model", "Field", "decode field "+name)
	}
	return nil
}
