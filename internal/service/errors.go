package service

import "errors"

var (
	// ErrStaleVersion means the versions a client asked for are no longer
	// held by the version store; the client has to import the document again
	ErrStaleVersion = errors.New("client version is stale")
	// ErrQueueClosed is returned by a closed persistence queue
	ErrQueueClosed = errors.New("persistence queue is closed")
	// ErrInvalidOperation is returned for operations missing required fields
	ErrInvalidOperation = errors.New("invalid operation")
)
