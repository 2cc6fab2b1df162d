// Package validate checks payloads against the AMWA JSON Schemas named in
// spec.md §6, using github.com/xeipuuv/gojsonschema. cmd/nmos-node constructs a
// Registry and hands it to the HTTP API facade, but registers no schemas, and
// neither the Resource Store nor the facade calls Validate: insert and PATCH
// payloads are not schema-checked.
package validate

import (
	"encoding/json"
	"fmt"
	"sync"

	nmoserrors "github.com/nmosnode/node/internal/errors"
	"github.com/nmosnode/node/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// Registry holds one compiled schema per (type, api_version) pair, so the store
// never re-derives or re-parses a schema per call.
type Registry struct {
	mu      sync.RWMutex
	schemas map[key]*gojsonschema.Schema

	// AllowInvalid, when set, downgrades validation failures to warnings instead
	// of rejecting the payload (spec.md §6's allow_invalid_resources).
	AllowInvalid bool
	onWarning    func(resourceType model.Type, apiVersion string, errs []string)
}

type key struct {
	Type       model.Type
	APIVersion string
}

// NewRegistry returns an empty Registry. Register must be called for every
// (type, version) pair the deployment expects to validate against.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[key]*gojsonschema.Schema)}
}

// OnWarning sets the callback invoked when AllowInvalid downgrades a failure.
func (r *Registry) OnWarning(fn func(resourceType model.Type, apiVersion string, errs []string)) {
	r.onWarning = fn
}

// Register compiles and stores the schema document for (resourceType, apiVersion).
func (r *Registry) Register(resourceType model.Type, apiVersion string, schemaJSON []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nmoserrors.WrapFatal(err, "validate", "Register", "compile schema")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[key{Type: resourceType, APIVersion: apiVersion}] = schema
	return nil
}

// Validate checks payload against the schema registered for (resourceType,
// apiVersion). A missing schema is treated as "nothing to validate against" and
// always passes — the registry is populated only for versions the deployment
// actually serves.
func (r *Registry) Validate(resourceType model.Type, apiVersion string, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[key{Type: resourceType, APIVersion: apiVersion}]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nmoserrors.WrapInvalid(err, "validate", "Validate", "run schema validation")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}

	if r.AllowInvalid {
		if r.onWarning != nil {
			r.onWarning(resourceType, apiVersion, msgs)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", nmoserrors.ErrValidation, msgs)
}
