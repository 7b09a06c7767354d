package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	appErrors "rowsync/internal/errors"
	"rowsync/internal/rowmodel"
)

// HTTPTransport drives a remote peer over GET/POST /sync/changes and
// POST /nodes/register.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport returns a client bound to baseURL (e.g.
// "https://sync.example.com"). A zero-value http.Client timeout means
// callers should bound calls via ctx: pass a context with a deadline
// for a bounded sync.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{baseURL: baseURL, client: client}
}

type changesResponse struct {
	Changes []rowmodel.ChangeEntry `json:"changes"`
	HasMore bool                   `json:"has_more"`
}

func (t *HTTPTransport) Pull(ctx context.Context, since uint64, excludeOrigin string, limit int) ([]rowmodel.ChangeEntry, bool, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	q.Set("exclude_origin", excludeOrigin)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/sync/changes?"+q.Encode(), nil)
	if err != nil {
		return nil, false, appErrors.TransportError(err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, false, appErrors.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, appErrors.TransportError(fmt.Errorf("pull: unexpected status %d", resp.StatusCode))
	}

	var decoded changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, appErrors.SerializationError(err)
	}
	return decoded.Changes, decoded.HasMore, nil
}

type pushRequest struct {
	Changes []rowmodel.ChangeEntry `json:"changes"`
}

type pushResponse struct {
	HighestAcceptedChangeID uint64 `json:"highest_accepted_change_id"`
}

func (t *HTTPTransport) Push(ctx context.Context, entries []rowmodel.ChangeEntry) (uint64, error) {
	body, err := json.Marshal(pushRequest{Changes: entries})
	if err != nil {
		return 0, appErrors.SerializationError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sync/changes", bytes.NewReader(body))
	if err != nil {
		return 0, appErrors.TransportError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, appErrors.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, appErrors.TransportError(fmt.Errorf("push: unexpected status %d", resp.StatusCode))
	}

	var decoded pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, appErrors.SerializationError(err)
	}
	return decoded.HighestAcceptedChangeID, nil
}

type ackRequest struct {
	UpTo uint64 `json:"up_to"`
}

// Ack notifies the peer, best-effort, that this side has committed every
// pulled entry up to upTo. The sync protocol does not depend on it; a
// failure is returned for the caller's logging but never aborts a sync.
func (t *HTTPTransport) Ack(ctx context.Context, upTo uint64) error {
	body, err := json.Marshal(ackRequest{UpTo: upTo})
	if err != nil {
		return appErrors.SerializationError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sync/ack", bytes.NewReader(body))
	if err != nil {
		return appErrors.TransportError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return appErrors.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return appErrors.TransportError(fmt.Errorf("ack: unexpected status %d", resp.StatusCode))
	}
	return nil
}

type registerRequest struct {
	DeviceKey string `json:"device_key"`
}

type registerResponse struct {
	NodeID uint16 `json:"node_id"`
}

// RegisterNode calls POST /nodes/register to obtain this device's
// node id.
func (t *HTTPTransport) RegisterNode(ctx context.Context, deviceKey string) (uint16, error) {
	body, err := json.Marshal(registerRequest{DeviceKey: deviceKey})
	if err != nil {
		return 0, appErrors.SerializationError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/nodes/register", bytes.NewReader(body))
	if err != nil {
		return 0, appErrors.TransportError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, appErrors.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusServiceUnavailable {
		return 0, appErrors.RegistryExhausted()
	}
	if resp.StatusCode != http.StatusOK {
		return 0, appErrors.TransportError(fmt.Errorf("register: unexpected status %d", resp.StatusCode))
	}

	var decoded registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, appErrors.SerializationError(err)
	}
	return decoded.NodeID, nil
}
