// Package api is the thin HTTP dispatch layer of spec.md §4.6: stdlib
// net/http.ServeMux routes backed directly by the Resource Store, the Connection
// API's staged/active resources, and the event/tally engine's type/state lookups.
// The router itself and request parsing are out of scope per spec.md §1; this
// package is the handlers the router dispatches to.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	nmoserrors "github.com/nmosnode/node/internal/errors"
	"github.com/nmosnode/node/internal/config"
	"github.com/nmosnode/node/internal/events"
	"github.com/nmosnode/node/internal/metric"
	"github.com/nmosnode/node/internal/model"
	"github.com/nmosnode/node/internal/natsbridge"
	"github.com/nmosnode/node/internal/resourcestore"
	"github.com/nmosnode/node/internal/validate"

	"golang.org/x/time/rate"
)

// defaultPatchRate bounds how often one Facade accepts a Connection API staged
// PATCH: a client hammering activation (buggy or malicious) shouldn't be able
// to spin the activation timer/NATS-bridge publish loop arbitrarily fast.
const (
	defaultPatchRate  = 50
	defaultPatchBurst = 20
)

// Facade wires the Node's HTTP surface onto its internal components.
type Facade struct {
	Store       *resourcestore.Store
	Events      *events.Engine
	Validation  *validate.Registry
	Settings    *config.Manager
	NodeID      string
	HostAddress string
	Port        int
	Log         *slog.Logger

	connection   *connectionState
	natsBridge   *natsbridge.Bridge
	metrics      *metric.Registry
	patchLimiter *rate.Limiter
}

// SetNATSBridge attaches an operational bridge so Connection API activations
// are mirrored into its JetStream KV cache. Optional; nil by default.
func (f *Facade) SetNATSBridge(b *natsbridge.Bridge) {
	f.natsBridge = b
}

// SetMetrics attaches a metrics registry so every registered route records
// its request duration. Optional; nil by default (no observability overhead).
func (f *Facade) SetMetrics(m *metric.Registry) {
	f.metrics = m
}

func (f *Facade) observe(route string, handler http.HandlerFunc) http.HandlerFunc {
	wrapped := WithObservability(handler, route, f.metrics)
	return func(w http.ResponseWriter, r *http.Request) { wrapped.ServeHTTP(w, r) }
}

// NewFacade returns a Facade ready to register routes.
func NewFacade(store *resourcestore.Store, eng *events.Engine, val *validate.Registry, settings *config.Manager, nodeID, hostAddress string, port int, log *slog.Logger) *Facade {
	if log == nil {
		log = slog.Default()
	}
	if settings == nil {
		settings = config.NewManager(config.Defaults(), log)
	}
	return &Facade{
		Store: store, Events: eng, Validation: val, Settings: settings,
		NodeID: nodeID, HostAddress: hostAddress, Port: port, Log: log,
		connection:   newConnectionState(),
		patchLimiter: rate.NewLimiter(rate.Limit(defaultPatchRate), defaultPatchBurst),
	}
}

// RegisterHTTPHandlers registers every route under prefix on mux, following the
// pack's "gateway" convention of a prefix-scoped registration call against a
// shared ServeMux rather than owning the listener itself.
func (f *Facade) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"x-nmos/node/v1.0/self", f.observe("node/self", f.handleSelf))
	mux.HandleFunc(prefix+"x-nmos/node/v1.1/self", f.observe("node/self", f.handleSelf))
	mux.HandleFunc(prefix+"x-nmos/node/v1.2/self", f.observe("node/self", f.handleSelf))
	mux.HandleFunc(prefix+"x-nmos/node/v1.3/self", f.observe("node/self", f.handleSelf))

	for _, collection := range []string{"devices", "sources", "flows", "senders", "receivers"} {
		handler := f.observe("node/"+collection, f.handleCollection(collection))
		mux.HandleFunc(prefix+"x-nmos/node/v1.0/"+collection, handler)
		mux.HandleFunc(prefix+"x-nmos/node/v1.1/"+collection, handler)
		mux.HandleFunc(prefix+"x-nmos/node/v1.2/"+collection, handler)
		mux.HandleFunc(prefix+"x-nmos/node/v1.3/"+collection, handler)
	}

	mux.HandleFunc(prefix+"x-nmos/connection/v1.0/single/senders/", f.observe("connection/senders", f.handleConnectionSender))
	mux.HandleFunc(prefix+"x-nmos/connection/v1.0/single/receivers/", f.observe("connection/receivers", f.handleConnectionReceiver))
	mux.HandleFunc(prefix+"x-nmos/connection/v1.1/single/senders/", f.observe("connection/senders", f.handleConnectionSender))
	mux.HandleFunc(prefix+"x-nmos/connection/v1.1/single/receivers/", f.observe("connection/receivers", f.handleConnectionReceiver))

	mux.HandleFunc(prefix+"x-nmos/events/v1.0/sources/", f.observe("events/sources", f.handleEventsSource))

	mux.HandleFunc(prefix+"settings/all", f.observe("settings/all", f.handleSettingsAll))
}

func (f *Facade) handleSelf(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res, err := f.Store.Get(f.NodeID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var body map[string]any
	if err := json.Unmarshal(res.Payload, &body); err != nil {
		body = map[string]any{}
	}
	body["id"] = res.ID
	body["version"] = res.Version.String()
	body["href"] = f.nodeHref()
	writeJSON(w, http.StatusOK, body)
}

func (f *Facade) nodeHref() string {
	return "http://" + f.HostAddress + ":" + strconv.Itoa(f.Port) + "/"
}

var collectionType = map[string]model.Type{
	"devices":   model.TypeDevice,
	"sources":   model.TypeSource,
	"flows":     model.TypeFlow,
	"senders":   model.TypeSender,
	"receivers": model.TypeReceiver,
}

func (f *Facade) handleCollection(collection string) http.HandlerFunc {
	t := collectionType[collection]
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		resources := f.Store.Snapshot(func(res *model.Resource) bool { return res.Type == t })
		out := make([]json.RawMessage, 0, len(resources))
		for _, res := range resources {
			out = append(out, res.Payload)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case nmoserrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found")
	case nmoserrors.IsShutdown(err):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case nmoserrors.IsInvalid(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": http.StatusText(status)})
}

// pathID extracts the resource id from a "<prefix>/<id>/<suffix>" URL, used by
// the Connection and Events route families.
func pathID(path, after string) string {
	idx := strings.Index(path, after)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimPrefix(path[idx+len(after):], "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// handleSettingsAll implements the /settings/all GET/PATCH pair (spec.md §6):
// PATCH accepts only the whitelisted hot-reloadable subset, delegated to the
// config Manager, which validates and fans the change out to subscribers.
func (f *Facade) handleSettingsAll(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := f.Settings.GetConfig()
		writeJSON(w, http.StatusOK, map[string]any{
			"logging_level":                   cfg.LoggingLevel,
			"registration_heartbeat_interval": cfg.RegistrationHeartbeatInterval,
		})
	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "malformed settings patch")
			return
		}
		if err := f.Settings.ApplyHotReload(r.Context(), patch); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
