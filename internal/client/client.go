// Package client talks to a collaboration server over HTTP and its hub.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devrev/pairdoc/internal/model"
	"go.uber.org/zap"
)

// Endpoint paths, relative to the base URL
const (
	apiPrefix        = "/api/CollaborativeEditing"
	importPath       = apiPrefix + "/ImportFile"
	updatePath       = apiPrefix + "/UpdateAction"
	missingPath      = apiPrefix + "/GetActionsFromServer"
	hubPath          = "/ws"
	syncStatusHeader = "X-Sync-Status"
)

var (
	// ErrStaleVersion means the server no longer holds the versions asked
	// for; the document has to be imported again
	ErrStaleVersion = errors.New("client version is stale, import the document again")
	// ErrSyncFailed means the server could not answer a catch-up request
	ErrSyncFailed = errors.New("server failed to return missing operations")
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Config holds the client settings.
type Config struct {
	BaseURL         string
	RequestTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// Client is a collaboration server client.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a client.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

// ImportFile loads a document merged with every pending operation of room.
func (c *Client) ImportFile(ctx context.Context, fileName, room string) (*model.DocumentContent, error) {
	var content model.DocumentContent
	if _, err := c.post(ctx, importPath, &model.FileInfo{FileName: fileName, DocumentOwner: room}, &content); err != nil {
		return nil, fmt.Errorf("import %s: %w", fileName, err)
	}
	return &content, nil
}

// UpdateAction submits an operation based on op.Version and returns it as
// committed by the server.
func (c *Client) UpdateAction(ctx context.Context, op *model.Operation) (*model.Operation, error) {
	var committed model.Operation
	if _, err := c.post(ctx, updatePath, op, &committed); err != nil {
		return nil, fmt.Errorf("update action: %w", err)
	}
	return &committed, nil
}

// GetActionsFromServer returns every operation of room after version.
func (c *Client) GetActionsFromServer(ctx context.Context, room string, version int) ([]*model.Operation, error) {
	var ops []*model.Operation
	header, err := c.post(ctx, missingPath, &model.Operation{RoomName: room, Version: version}, &ops)
	if err != nil {
		return nil, fmt.Errorf("get missing operations: %w", err)
	}
	if header.Get(syncStatusHeader) == "failed" {
		return nil, ErrSyncFailed
	}
	return ops, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) (http.Header, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return resp.Header, decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.Header, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.Header, nil
}

func decodeError(resp *http.Response) error {
	if resp.StatusCode == http.StatusConflict {
		return ErrStaleVersion
	}
	if resp.Header.Get(syncStatusHeader) == "failed" && resp.StatusCode >= 500 {
		return ErrSyncFailed
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(body, apiErr)
	return apiErr
}
