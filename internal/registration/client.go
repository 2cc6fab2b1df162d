// Package registration implements the Node's registration client: the
// DISCOVERING/REGISTERING/HEARTBEATING/UNREGISTERING state machine of spec.md §4.3
// that keeps this Node's resources present and healthy at an upstream registry.
package registration

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	nmoserrors "github.com/nmosnode/node/internal/errors"
	"github.com/nmosnode/node/internal/model"
	"github.com/nmosnode/node/internal/resourcestore"
	"github.com/nmosnode/node/pkg/cache"
	"golang.org/x/sync/errgroup"
)

// State is one of the five phases of the registration state machine.
type State int

const (
	Initial State = iota
	Discovering
	Registering
	Heartbeating
	Unregistering
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Discovering:
		return "discovering"
	case Registering:
		return "registering"
	case Heartbeating:
		return "heartbeating"
	case Unregistering:
		return "unregistering"
	default:
		return "unknown"
	}
}

// RegistryLocator returns a ranked list of candidate registry base URLs. It is
// satisfied by *internal/discovery.Locator, which wraps discovery.ResolveService;
// cmd/nmos-node runs it over a single-address StaticBackend when registry_address
// overrides DNS-SD (spec.md §6).
type RegistryLocator interface {
	Locate(ctx context.Context) ([]string, error)
}

// RegistryAPI is the narrow HTTP surface the state machine drives. A production
// implementation issues real requests to baseURL; tests inject a fake.
type RegistryAPI interface {
	// Register POSTs one resource to /resource. Returns the HTTP status code.
	Register(ctx context.Context, baseURL string, resourceType model.Type, payload []byte) (status int, err error)
	// BulkRegister POSTs an array of resources in one request (v1.3+ optimization).
	BulkRegister(ctx context.Context, baseURL string, resources []BulkResource) (status int, err error)
	// Heartbeat POSTs an empty body to /health/nodes/{nodeID}.
	Heartbeat(ctx context.Context, baseURL, nodeID string) (status int, err error)
	// Delete DELETEs one resource.
	Delete(ctx context.Context, baseURL string, resourceType model.Type, id string) (status int, err error)
	// APIVersion reports the registry's advertised highest API version for baseURL,
	// used to decide whether BulkRegister is available.
	APIVersion(baseURL string) string
}

// BulkResource is one element of a bulk registration request body.
type BulkResource struct {
	Type    model.Type
	Payload []byte
}

// dependencyOrder is the fixed POST/DELETE ordering of §4.3: creations follow it,
// deletions follow it in reverse.
var dependencyOrder = []model.Type{
	model.TypeNode, model.TypeDevice, model.TypeSource, model.TypeFlow, model.TypeSender, model.TypeReceiver,
}

// Config holds the tunables named in spec.md §6 and §4.3.
type Config struct {
	NodeID                  string
	MaxConsecutiveFailures  int           // default 3
	BlacklistCooldown       time.Duration // default 60s
	HeartbeatInterval       time.Duration // default 5s, upper-bound 5s on interval/2
	DiscoveringInitialDelay time.Duration // default 5s
	DiscoveringMaxDelay     time.Duration // default 30s
	ShutdownGrace           time.Duration // default 5s
}

// DefaultConfig returns the defaults named in spec.md §4.3/§6.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:                  nodeID,
		MaxConsecutiveFailures:  3,
		BlacklistCooldown:       60 * time.Second,
		HeartbeatInterval:       5 * time.Second,
		DiscoveringInitialDelay: 5 * time.Second,
		DiscoveringMaxDelay:     30 * time.Second,
		ShutdownGrace:           5 * time.Second,
	}
}

// Client runs the registration state machine for one Node lifetime.
type Client struct {
	cfg      Config
	store    *resourcestore.Store
	locator  RegistryLocator
	api      RegistryAPI
	blacklist cache.Cache[time.Time]

	state        State
	activeURL    string
	registered   map[string]model.Type // resource ids already POSTed to activeURL, keyed to their type for DELETE
	failures     int
	stateChanged func(State) // test hook / metrics observer
}

// New constructs a Client. ctx is used only to size the blacklist cache's
// background cleanup goroutine; it does not need to match Run's context.
func New(ctx context.Context, cfg Config, store *resourcestore.Store, locator RegistryLocator, api RegistryAPI) (*Client, error) {
	blacklist, err := cache.NewTTL[time.Time](ctx, cfg.BlacklistCooldown, cfg.BlacklistCooldown)
	if err != nil {
		return nil, nmoserrors.WrapFatal(err, "registration", "New", "create blacklist cache")
	}
	return &Client{
		cfg:        cfg,
		store:      store,
		locator:    locator,
		api:        api,
		blacklist:  blacklist,
		state:      Initial,
		registered: make(map[string]model.Type),
	}, nil
}

// OnStateChange registers a hook invoked after every state transition.
func (c *Client) OnStateChange(fn func(State)) { c.stateChanged = fn }

func (c *Client) setState(s State) {
	c.state = s
	if c.stateChanged != nil {
		c.stateChanged(s)
	}
}

// State returns the client's current state.
func (c *Client) State() State { return c.state }

// Run drives the state machine until ctx is cancelled, at which point it attempts
// UNREGISTERING within cfg.ShutdownGrace before returning.
func (c *Client) Run(ctx context.Context) error {
	c.setState(Initial)
	for {
		select {
		case <-ctx.Done():
			return c.unregister()
		default:
		}

		var err error
		switch c.state {
		case Initial:
			c.setState(Discovering)
		case Discovering:
			err = c.discover(ctx)
		case Registering:
			err = c.register(ctx)
		case Heartbeating:
			err = c.heartbeat(ctx)
		case Unregistering:
			return c.unregister()
		}
		if err != nil && ctx.Err() != nil {
			return c.unregister()
		}
	}
}

// discover requests a ranked registry list with exponential backoff on empty
// results, per §4.3's DISCOVERING state.
func (c *Client) discover(ctx context.Context) error {
	delay := c.cfg.DiscoveringInitialDelay
	for {
		candidates, err := c.locator.Locate(ctx)
		if err == nil {
			candidates = c.filterBlacklisted(candidates)
		}
		if err == nil && len(candidates) > 0 {
			c.activeURL = pickHead(candidates)
			c.registered = make(map[string]model.Type)
			c.failures = 0
			c.setState(Registering)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(delay)):
		}
		delay *= 2
		if delay > c.cfg.DiscoveringMaxDelay {
			delay = c.cfg.DiscoveringMaxDelay
		}
	}
}

func (c *Client) filterBlacklisted(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, url := range candidates {
		if _, blacklisted := c.blacklist.Get(url); !blacklisted {
			out = append(out, url)
		}
	}
	return out
}

// pickHead adopts the head of the locator's ranked list. Ties between
// equal-ranked candidates are left to the locator's ranking, which shuffles them
// on each Locate call when discovery.ResolveOptions.Randomize is set.
func pickHead(candidates []string) string {
	return candidates[0]
}

func withJitter(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(d) / 5)) // +/-20%
	if rand.Intn(2) == 0 {
		return d + jitter
	}
	return d - jitter
}

// register POSTs every resource in dependency order, per §4.3's REGISTERING state.
// When the registry advertises v1.3+ and more than one resource needs
// registering, they're issued as a single bulk POST (§10's supplemented
// optimization) instead of one request per resource.
func (c *Client) register(ctx context.Context) error {
	var pending []*model.Resource
	for _, t := range dependencyOrder {
		for _, r := range c.store.Snapshot(func(r *model.Resource) bool { return r.Type == t }) {
			if _, done := c.registered[r.ID]; !done {
				pending = append(pending, r)
			}
		}
	}

	if len(pending) > 1 && supportsBulk(c.api.APIVersion(c.activeURL)) {
		if err := c.bulkRegister(ctx, pending); err != nil {
			return err
		}
	} else {
		for _, r := range pending {
			if err := c.registerOne(ctx, r); err != nil {
				return err
			}
		}
	}

	c.failures = 0
	c.setState(Heartbeating)
	return nil
}

func supportsBulk(apiVersion string) bool {
	return compareVersionStrings(apiVersion, "v1.3") >= 0
}

// compareVersionStrings compares two "vX.Y" strings numerically. discovery's
// comparator is unexported, so the comparison is duplicated here in miniature.
func compareVersionStrings(a, b string) int {
	pa, pb := apiVersionParts(a), apiVersionParts(b)
	if pa[0] != pb[0] {
		if pa[0] < pb[0] {
			return -1
		}
		return 1
	}
	if pa[1] != pb[1] {
		if pa[1] < pb[1] {
			return -1
		}
		return 1
	}
	return 0
}

func apiVersionParts(v string) [2]int {
	var out [2]int
	if len(v) > 0 && (v[0] == 'v' || v[0] == 'V') {
		v = v[1:]
	}
	dot := -1
	for i := 0; i < len(v); i++ {
		if v[i] == '.' {
			dot = i
			break
		}
	}
	major, minor := v, ""
	if dot >= 0 {
		major, minor = v[:dot], v[dot+1:]
	}
	out[0] = atoiSimple(major)
	out[1] = atoiSimple(minor)
	return out
}

func atoiSimple(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			break
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}

func (c *Client) bulkRegister(ctx context.Context, resources []*model.Resource) error {
	bulk := make([]BulkResource, len(resources))
	for i, r := range resources {
		bulk[i] = BulkResource{Type: r.Type, Payload: r.Payload}
	}
	var status int
	err := nmoserrors.DefaultRetryConfig().Do(ctx, func() error {
		var apiErr error
		status, apiErr = c.api.BulkRegister(ctx, c.activeURL, bulk)
		if apiErr != nil {
			return nmoserrors.WrapTransient(apiErr, "registration", "BulkRegister", "http request failed")
		}
		if status >= 500 {
			return nmoserrors.WrapTransient(fmt.Errorf("registry returned %d", status), "registration", "BulkRegister", "server error")
		}
		return nil
	})
	if err != nil {
		return c.onFailure(ctx)
	}
	if status < 400 || status == 409 {
		for _, r := range resources {
			c.registered[r.ID] = r.Type
		}
		return nil
	}
	// Permanent failure for the whole batch: fall back to per-resource POSTs so a
	// single bad resource doesn't block the rest.
	for _, r := range resources {
		if err := c.registerOne(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) registerOne(ctx context.Context, r *model.Resource) error {
	var status int
	err := nmoserrors.DefaultRetryConfig().Do(ctx, func() error {
		var apiErr error
		status, apiErr = c.api.Register(ctx, c.activeURL, r.Type, r.Payload)
		if apiErr != nil {
			return nmoserrors.WrapTransient(apiErr, "registration", "Register", "http request failed")
		}
		if status >= 500 {
			return nmoserrors.WrapTransient(fmt.Errorf("registry returned %d", status), "registration", "Register", "server error")
		}
		return nil
	})
	switch {
	case err != nil:
		return c.onFailure(ctx)
	case status == 409:
		c.registered[r.ID] = r.Type
		return nil
	case status >= 400:
		c.registered[r.ID] = r.Type // permanent failure for this resource; don't retry it
		return nil
	case status == 200 || status == 201:
		c.registered[r.ID] = r.Type
		return nil
	default:
		return nil
	}
}

// onFailure bumps the failure counter and, past cfg.MaxConsecutiveFailures,
// blacklists the active registry for cfg.BlacklistCooldown and returns to
// DISCOVERING. The backoff itself already happened inside the failed call's
// nmoserrors.DefaultRetryConfig().Do; this only tracks the consecutive-failure
// budget across separate calls.
func (c *Client) onFailure(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.failures++
	if c.failures < c.cfg.MaxConsecutiveFailures {
		return nil
	}
	_, _ = c.blacklist.Set(c.activeURL, time.Now())
	c.activeURL = ""
	c.setState(Discovering)
	return fmt.Errorf("registration: registry exceeded failure budget")
}

// heartbeat implements the HEARTBEATING state: periodic heartbeats interleaved
// with sync passes triggered by store mutations.
func (c *Client) heartbeat(ctx context.Context) error {
	interval := c.cfg.HeartbeatInterval / 2
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	known := c.store.GlobalVersion()
	for c.state == Heartbeating {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.sendHeartbeat(ctx); err != nil {
				return err
			}
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, interval)
		newVer, err := c.store.WaitForChange(waitCtx, known)
		cancel()
		if err == nil {
			known = newVer
			if err := c.syncPass(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	var status int
	err := nmoserrors.DefaultRetryConfig().Do(ctx, func() error {
		var apiErr error
		status, apiErr = c.api.Heartbeat(ctx, c.activeURL, c.cfg.NodeID)
		if apiErr != nil {
			return nmoserrors.WrapTransient(apiErr, "registration", "Heartbeat", "http request failed")
		}
		if status >= 500 {
			return nmoserrors.WrapTransient(fmt.Errorf("registry returned %d", status), "registration", "Heartbeat", "server error")
		}
		return nil
	})
	switch {
	case err != nil:
		return c.onFailure(ctx)
	case status == 404:
		c.setState(Registering)
		return nil
	case status == 200:
		c.failures = 0
		return nil
	default:
		return nil
	}
}

// syncPass re-POSTs every resource currently in the store (new, modified and
// unchanged alike) and deletes removed ones, sharing the failure budget with
// heartbeats, per §4.3.
func (c *Client) syncPass(ctx context.Context) error {
	all := c.store.Snapshot(nil)
	present := make(map[string]*model.Resource, len(all))
	for _, r := range all {
		present[r.ID] = r
	}

	var pending []*model.Resource
	for _, t := range dependencyOrder {
		for _, r := range all {
			if r.Type == t {
				pending = append(pending, r)
			}
		}
	}
	if len(pending) > 1 && supportsBulk(c.api.APIVersion(c.activeURL)) {
		if err := c.bulkRegister(ctx, pending); err != nil {
			return err
		}
	} else {
		for _, r := range pending {
			if err := c.registerOne(ctx, r); err != nil {
				return err
			}
		}
	}

	// Deletions follow dependencyOrder in reverse (§4.3): a sender must be gone
	// from the registry before its flow, a flow before its source, and so on.
	// c.registered is a map, so its iteration order is randomized; build an
	// ordered candidate list from dependencyOrder instead of ranging it directly.
	removed := make(map[model.Type][]string, len(dependencyOrder))
	for id, t := range c.registered {
		if _, stillPresent := present[id]; !stillPresent {
			removed[t] = append(removed[t], id)
		}
	}
	for i := len(dependencyOrder) - 1; i >= 0; i-- {
		t := dependencyOrder[i]
		for _, id := range removed[t] {
			if err := c.deleteOne(ctx, id, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) deleteOne(ctx context.Context, id string, t model.Type) error {
	var status int
	err := nmoserrors.DefaultRetryConfig().Do(ctx, func() error {
		var apiErr error
		status, apiErr = c.api.Delete(ctx, c.activeURL, t, id)
		if apiErr != nil {
			return nmoserrors.WrapTransient(apiErr, "registration", "Delete", "http request failed")
		}
		if status >= 500 {
			return nmoserrors.WrapTransient(fmt.Errorf("registry returned %d", status), "registration", "Delete", "server error")
		}
		return nil
	})
	if err != nil {
		return c.onFailure(ctx)
	}
	delete(c.registered, id)
	return nil
}

// unregister implements the UNREGISTERING state: best-effort DELETE of the node
// resource, bounded by cfg.ShutdownGrace.
func (c *Client) unregister() error {
	if c.activeURL == "" {
		return nil
	}
	c.setState(Unregistering)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
	defer cancel()
	_, _ = c.api.Delete(ctx, c.activeURL, model.TypeNode, c.cfg.NodeID)
	return nil
}

// Supervise runs Run under an errgroup so cmd/nmos-node can wait on it alongside
// the Node's other long-running subsystems.
func Supervise(ctx context.Context, g *errgroup.Group, c *Client) {
	g.Go(func() error { return c.Run(ctx) })
}
