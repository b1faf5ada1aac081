// Package handler provides the HTTP endpoints of the collaborative editing API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apierrors "github.com/devrev/pairdoc/internal/errors"
	"github.com/devrev/pairdoc/internal/model"
	"go.uber.org/zap"
)

const (
	// SyncStatusHeader tells a catch-up caller whether an empty answer means
	// "nothing missing" or "lookup failed"
	SyncStatusHeader = "X-Sync-Status"
	SyncStatusOK     = "ok"
	SyncStatusFailed = "failed"

	maxBodyBytes = 4 << 20
)

// SyncService is the ordering engine behind the endpoints.
type SyncService interface {
	Submit(ctx context.Context, op *model.Operation) (*model.Operation, error)
	GetMissing(ctx context.Context, roomName string, clientVersion int) ([]*model.Operation, error)
	Import(ctx context.Context, fileName, roomName string) (*model.DocumentContent, error)
}

// Broadcaster fans events out to the members of a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, room string, kind model.EventKind, payload interface{}, exclude string) error
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	service      SyncService
	broadcaster  Broadcaster
	errorHandler *apierrors.Handler
	logger       *zap.Logger
	timeout      time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	service SyncService,
	broadcaster Broadcaster,
	errorHandler *apierrors.Handler,
	logger *zap.Logger,
	timeout time.Duration,
) *Handlers {
	return &Handlers{
		service:      service,
		broadcaster:  broadcaster,
		errorHandler: errorHandler,
		logger:       logger,
		timeout:      timeout,
	}
}

// ImportFile handles POST /ImportFile: loads a document merged with every
// pending operation of the room named by documentOwner.
func (h *Handlers) ImportFile(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var info model.FileInfo
	if err := decodeBody(w, r, &info); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}
	if info.FileName == "" || info.DocumentOwner == "" {
		h.errorHandler.WriteValidationError(w, "fileName and documentOwner are required", requestID)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	content, err := h.service.Import(ctx, info.FileName, info.DocumentOwner)
	if err != nil {
		w.Header().Set(SyncStatusHeader, SyncStatusFailed)
		h.errorHandler.HandleError(w, r, err)
		return
	}

	w.Header().Set(SyncStatusHeader, SyncStatusOK)
	h.writeJSONResponse(w, http.StatusOK, content)
}

// UpdateAction handles POST /UpdateAction: orders the operation, then
// broadcasts the finalized form to the rest of the room.
func (h *Handlers) UpdateAction(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var op model.Operation
	if err := decodeBody(w, r, &op); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	finalized, err := h.service.Submit(ctx, &op)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	// Delivery is best effort, the operation is already committed
	if err := h.broadcaster.Broadcast(context.WithoutCancel(ctx), finalized.RoomName, model.EventAction, finalized, finalized.ConnectionID); err != nil {
		h.logger.Warn("Failed to broadcast operation",
			zap.String("room", finalized.RoomName),
			zap.Int("version", finalized.Version),
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	h.writeJSONResponse(w, http.StatusOK, finalized)
}

// GetActionsFromServer handles POST /GetActionsFromServer: returns every
// operation of the room after the caller's version. A failed lookup answers
// with an empty object and a failed sync status.
func (h *Handlers) GetActionsFromServer(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req model.Operation
	if err := decodeBody(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}
	if req.RoomName == "" {
		h.errorHandler.WriteValidationError(w, "roomName is required", requestID)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	ops, err := h.service.GetMissing(ctx, req.RoomName, req.Version)
	if err != nil {
		h.logger.Error("Catch-up failed",
			zap.String("room", req.RoomName),
			zap.Int("client_version", req.Version),
			zap.String("request_id", requestID),
			zap.Error(err))
		w.Header().Set(SyncStatusHeader, SyncStatusFailed)
		h.writeJSONResponse(w, apierrors.StatusFor(err), struct{}{})
		return
	}

	if ops == nil {
		ops = []*model.Operation{}
	}
	w.Header().Set(SyncStatusHeader, SyncStatusOK)
	h.writeJSONResponse(w, http.StatusOK, ops)
}

func (h *Handlers) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
