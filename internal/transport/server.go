package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	appErrors "rowsync/internal/errors"
	"rowsync/internal/rowmodel"
	"rowsync/internal/uuid"
)

// ChangeSource is the server-side read path Server.handlePull needs;
// rowstore.Store satisfies it directly.
type ChangeSource interface {
	ChangesSince(ctx context.Context, since uint64, excludeOrigin string, limit int) ([]rowmodel.ChangeEntry, bool, error)
}

// ChangeApplier is the server-side write path Server.handlePush needs.
// It mirrors what syncengine.ApplyBatch does against the server's own
// row store, returning the highest change_id durably accepted.
type ChangeApplier interface {
	ApplyChanges(ctx context.Context, entries []rowmodel.ChangeEntry) (highestAccepted uint64, err error)
}

// NodeAllocator is the server-side half of node registration.
type NodeAllocator interface {
	Register(ctx context.Context, deviceKey string) (nodeID uint16, err error)
}

// Server exposes a ChangeSource/ChangeApplier/NodeAllocator over the
// sync wire protocol. Routes are registered onto an existing
// *http.ServeMux so callers can host sync alongside other endpoints.
type Server struct {
	Source    ChangeSource
	Applier   ChangeApplier
	Allocator NodeAllocator
}

// NewServer builds a Server over the given backing implementations.
func NewServer(source ChangeSource, applier ChangeApplier, allocator NodeAllocator) *Server {
	return &Server{Source: source, Applier: applier, Allocator: allocator}
}

// Register wires the sync routes onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sync/changes", s.handlePull)
	mux.HandleFunc("POST /sync/changes", s.handlePush)
	mux.HandleFunc("POST /nodes/register", s.handleRegister)
	mux.HandleFunc("POST /sync/ack", s.handleAck)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseUint64(q.Get("since"))
	if err != nil {
		http.Error(w, "invalid since parameter", http.StatusBadRequest)
		return
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		http.Error(w, "invalid limit parameter", http.StatusBadRequest)
		return
	}
	excludeOrigin := q.Get("exclude_origin")

	changes, hasMore, err := s.Source.ChangesSince(r.Context(), since, excludeOrigin, limit)
	if err != nil {
		http.Error(w, "failed to read changes: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if changes == nil {
		changes = []rowmodel.ChangeEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(changesResponse{Changes: changes, HasMore: hasMore})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var body pushRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	highest, err := s.Applier.ApplyChanges(r.Context(), body.Changes)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrVersionGap) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(pushResponse{HighestAcceptedChangeID: highest})
			return
		}
		http.Error(w, "failed to apply changes: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pushResponse{HighestAcceptedChangeID: highest})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	// device_key is a client-minted UUID v4; reject anything else before
	// it can occupy a registry slot.
	if err := uuid.Validate(body.DeviceKey); err != nil {
		http.Error(w, "invalid device_key", http.StatusBadRequest)
		return
	}

	nodeID, err := s.Allocator.Register(r.Context(), body.DeviceKey)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrRegistryExhausted) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "failed to register node: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(registerResponse{NodeID: nodeID})
}

// handleAck is a best-effort endpoint: it accepts a watermark
// notification and does nothing with it, since this server's SyncEngine
// computes watermarks from its own pulls.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func parseUint64(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
