package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nmosnode/node/internal/model"
)

// HTTPAPI is the production RegistryAPI: plain net/http requests against an
// AMWA Registration API. The API version used per base URL is whatever
// NoteAPIVersion recorded, or v1.3; the registry is never probed for it.
type HTTPAPI struct {
	client *http.Client

	mu       sync.Mutex
	versions map[string]string
}

// NewHTTPAPI returns an HTTPAPI using client, or a default client with a 10s
// timeout if client is nil.
func NewHTTPAPI(client *http.Client) *HTTPAPI {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAPI{client: client, versions: make(map[string]string)}
}

func (a *HTTPAPI) resourcePath(apiVersion string, resourceType model.Type) string {
	return fmt.Sprintf("/x-nmos/registration/%s/resource/%ss", apiVersion, string(resourceType))
}

// Register implements RegistryAPI.Register.
func (a *HTTPAPI) Register(ctx context.Context, baseURL string, resourceType model.Type, payload []byte) (int, error) {
	apiVersion := a.APIVersion(baseURL)
	body := map[string]json.RawMessage{"type": json.RawMessage(`"` + string(resourceType) + `"`), "data": payload}
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	return a.doJSON(ctx, http.MethodPost, baseURL+"/x-nmos/registration/"+apiVersion+"/resource", buf)
}

// BulkRegister implements RegistryAPI.BulkRegister, using the v1.3+ resources
// bulk-update endpoint.
func (a *HTTPAPI) BulkRegister(ctx context.Context, baseURL string, resources []BulkResource) (int, error) {
	apiVersion := a.APIVersion(baseURL)
	items := make([]map[string]json.RawMessage, 0, len(resources))
	for _, r := range resources {
		items = append(items, map[string]json.RawMessage{
			"type": json.RawMessage(`"` + string(r.Type) + `"`),
			"data": r.Payload,
		})
	}
	buf, err := json.Marshal(items)
	if err != nil {
		return 0, err
	}
	return a.doJSON(ctx, http.MethodPost, baseURL+"/x-nmos/registration/"+apiVersion+"/bulk/resource", buf)
}

// Heartbeat implements RegistryAPI.Heartbeat.
func (a *HTTPAPI) Heartbeat(ctx context.Context, baseURL, nodeID string) (int, error) {
	apiVersion := a.APIVersion(baseURL)
	url := fmt.Sprintf("%s/x-nmos/registration/%s/health/nodes/%s", baseURL, apiVersion, nodeID)
	return a.doJSON(ctx, http.MethodPost, url, nil)
}

// Delete implements RegistryAPI.Delete.
func (a *HTTPAPI) Delete(ctx context.Context, baseURL string, resourceType model.Type, id string) (int, error) {
	apiVersion := a.APIVersion(baseURL)
	url := fmt.Sprintf("%s/x-nmos/registration/%s/resource/%ss/%s", baseURL, apiVersion, string(resourceType), id)
	return a.doJSON(ctx, http.MethodDelete, url, nil)
}

// APIVersion implements RegistryAPI.APIVersion: it returns the version recorded
// for baseURL by NoteAPIVersion, or "v1.3" when none was recorded.
func (a *HTTPAPI) APIVersion(baseURL string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.versions[baseURL]; ok {
		return v
	}
	return "v1.3"
}

// NoteAPIVersion records the version a discovery resolution observed for
// baseURL, so subsequent calls target the same version the candidate was
// ranked under.
func (a *HTTPAPI) NoteAPIVersion(baseURL, version string) {
	a.mu.Lock()
	a.versions[baseURL] = version
	a.mu.Unlock()
}

func (a *HTTPAPI) doJSON(ctx context.Context, method, url string, body []byte) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
