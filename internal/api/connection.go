package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nmosnode/node/internal/natsbridge"
)

// activationMode is one of the three modes spec.md §4.6 requires the Connection
// API's staged PATCH to support.
type activationMode string

const (
	activationNone             activationMode = ""
	activationImmediate        activationMode = "activate_immediate"
	activationScheduledAbsolute activationMode = "activate_scheduled_absolute"
	activationScheduledRelative activationMode = "activate_scheduled_relative"
)

// endpointParams is the staged/active parameter set for one sender or receiver.
// It is kept as a raw field map rather than a fixed struct: IS-05 staged/active
// bodies carry "transport_params", "activation", and a transport- and
// role-dependent set of top-level fields (master_enable, receiver_id,
// sender_id, and so on), all of which must round-trip through PATCH/GET
// untouched. Only "activation" is ever interpreted by this layer.
type endpointParams map[string]json.RawMessage

func cloneParams(p endpointParams) endpointParams {
	out := make(endpointParams, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p endpointParams) activation() activationInfo {
	var a activationInfo
	if raw, ok := p["activation"]; ok {
		_ = json.Unmarshal(raw, &a)
	}
	return a
}

type activationInfo struct {
	Mode           activationMode `json:"mode,omitempty"`
	RequestedTime  string         `json:"requested_time,omitempty"`
	ActivationTime string         `json:"activation_time,omitempty"`
}

// endpoint holds one sender or receiver's staged and active parameter sets, plus
// the single pending scheduled activation timer allowed at a time (§4.6: staging a
// new activation replaces any pending one rather than queuing).
type endpoint struct {
	mu      sync.Mutex
	staged  endpointParams
	active  endpointParams
	pending *time.Timer
}

// connectionState owns every sender and receiver endpoint's staged/active state.
type connectionState struct {
	mu        sync.Mutex
	senders   map[string]*endpoint
	receivers map[string]*endpoint
}

func newConnectionState() *connectionState {
	return &connectionState{
		senders:   make(map[string]*endpoint),
		receivers: make(map[string]*endpoint),
	}
}

func (cs *connectionState) endpointFor(kind, id string) *endpoint {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	table := cs.senders
	if kind == "receivers" {
		table = cs.receivers
	}
	ep, ok := table[id]
	if !ok {
		ep = &endpoint{staged: make(endpointParams), active: make(endpointParams)}
		table[id] = ep
	}
	return ep
}

func (f *Facade) handleConnectionSender(w http.ResponseWriter, r *http.Request) {
	f.handleConnectionEndpoint(w, r, "senders", "x-nmos/connection/v1.0/single/senders/", "x-nmos/connection/v1.1/single/senders/")
}

func (f *Facade) handleConnectionReceiver(w http.ResponseWriter, r *http.Request) {
	f.handleConnectionEndpoint(w, r, "receivers", "x-nmos/connection/v1.0/single/receivers/", "x-nmos/connection/v1.1/single/receivers/")
}

// handleConnectionEndpoint dispatches "/{id}/staged" and "/{id}/active" for both
// the sender and receiver collections, implementing GET on both and PATCH on
// staged with activation-mode handling (§4.6).
func (f *Facade) handleConnectionEndpoint(w http.ResponseWriter, r *http.Request, kind, v10prefix, v11prefix string) {
	path := r.URL.Path
	after := v10prefix
	if strings.Contains(path, v11prefix) {
		after = v11prefix
	}
	id := pathID(path, after)
	if id == "" {
		writeError(w, http.StatusNotFound, "missing resource id")
		return
	}
	rest := path[strings.Index(path, after)+len(after):]
	rest = strings.TrimPrefix(strings.TrimPrefix(rest, id), "/")

	ep := f.connection.endpointFor(kind, id)

	switch rest {
	case "staged":
		f.handleStaged(w, r, ep, kind, id)
	case "active":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "active is read-only")
			return
		}
		ep.mu.Lock()
		defer ep.mu.Unlock()
		writeJSON(w, http.StatusOK, ep.active)
	default:
		writeError(w, http.StatusNotFound, "unknown connection sub-resource")
	}
}

func (f *Facade) handleStaged(w http.ResponseWriter, r *http.Request, ep *endpoint, kind, id string) {
	switch r.Method {
	case http.MethodGet:
		ep.mu.Lock()
		defer ep.mu.Unlock()
		writeJSON(w, http.StatusOK, ep.staged)
	case http.MethodPatch:
		if !f.patchLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many staged activation requests")
			return
		}
		var patch endpointParams
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "malformed staged patch")
			return
		}
		if err := f.applyStaged(ep, patch, kind, id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ep.mu.Lock()
		defer ep.mu.Unlock()
		writeJSON(w, http.StatusOK, ep.staged)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// applyStaged merges patch into ep.staged field by field (so a patch touching
// only "master_enable" leaves "transport_params" and any other previously
// staged field untouched) and, depending on activation.mode, either activates
// immediately, schedules a one-shot timer, or leaves the parameters staged
// awaiting a later explicit activation. Any previously pending scheduled
// activation is replaced, never queued (§4.6).
func (f *Facade) applyStaged(ep *endpoint, patch endpointParams, kind, id string) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.pending != nil {
		ep.pending.Stop()
		ep.pending = nil
	}

	if ep.staged == nil {
		ep.staged = make(endpointParams)
	}
	for k, v := range patch {
		ep.staged[k] = v
	}

	activation := patch.activation()
	switch activation.Mode {
	case activationImmediate:
		f.activateLocked(ep, kind, id)
	case activationScheduledAbsolute, activationScheduledRelative:
		delay, err := resolveActivationDelay(activation)
		if err != nil {
			return err
		}
		ep.pending = time.AfterFunc(delay, func() {
			ep.mu.Lock()
			f.activateLocked(ep, kind, id)
			ep.mu.Unlock()
		})
	case activationNone:
		// Stay staged; activation happens via a later immediate/scheduled PATCH.
	}
	return nil
}

// activateLocked copies staged into active, stamping activation_time onto the
// copied activation object while preserving every other staged field
// (master_enable, transport_params, and whatever else was PATCHed in).
// Callers must hold ep.mu.
func (f *Facade) activateLocked(ep *endpoint, kind, id string) {
	ep.active = cloneParams(ep.staged)

	activation := ep.staged.activation()
	activation.ActivationTime = time.Now().UTC().Format(time.RFC3339Nano)
	if raw, err := json.Marshal(activation); err == nil {
		ep.active["activation"] = raw
	}
	ep.pending = nil

	if f.natsBridge != nil {
		staged, _ := json.Marshal(ep.staged)
		active, _ := json.Marshal(ep.active)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = f.natsBridge.PutConnectionParams(ctx, natsbridge.ConnectionParams{
				Kind: kind, ID: id, Staged: staged, Active: active,
			})
		}()
	}
}

func resolveActivationDelay(a activationInfo) (time.Duration, error) {
	if a.Mode == activationScheduledRelative {
		d, err := time.ParseDuration(a.RequestedTime)
		if err != nil {
			return 0, err
		}
		return d, nil
	}
	target, err := time.Parse(time.RFC3339Nano, a.RequestedTime)
	if err != nil {
		return 0, err
	}
	return time.Until(target), nil
}
