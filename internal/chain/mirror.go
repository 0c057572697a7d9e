// mirror.go - HTTP client for the off-chain root/nullifier mirror.
//
// Mirror data is advisory. Anything read here must be re-validated against
// the authoritative store before it gates a spend.

package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RootsResponse is the mirror's root snapshot for one pool.
type RootsResponse struct {
	Current string   `json:"current"`
	Recent  []string `json:"recent"`
}

// MirrorClient talks to a root/nullifier mirror over HTTP.
type MirrorClient struct {
	baseURL string
	client  *http.Client
}

// NewMirrorClient creates a client for the mirror at baseURL.
func NewMirrorClient(baseURL string) *MirrorClient {
	return &MirrorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// GetRoots fetches the current and recent roots for poolID.
func (m *MirrorClient) GetRoots(ctx context.Context, poolID string) (*RootsResponse, error) {
	var out RootsResponse
	if err := m.getJSON(ctx, "/v1/pools/"+url.PathEscape(poolID)+"/roots", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetNullifiers fetches the mirror's nullifier set for poolID.
func (m *MirrorClient) GetNullifiers(ctx context.Context, poolID string) ([]string, error) {
	var out struct {
		Nullifiers []string `json:"nullifiers"`
	}
	if err := m.getJSON(ctx, "/v1/pools/"+url.PathEscape(poolID)+"/nullifiers", &out); err != nil {
		return nil, err
	}
	return out.Nullifiers, nil
}

// PublishRoots pushes a root snapshot so the mirror stays in sync after a
// state change.
func (m *MirrorClient) PublishRoots(ctx context.Context, poolID string, roots RootsResponse) error {
	body, err := json.Marshal(roots)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+"/v1/pools/"+url.PathEscape(poolID)+"/roots", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("mirror publish: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (m *MirrorClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mirror get %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
