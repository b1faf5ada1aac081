package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdoc/internal/model"
	"go.uber.org/zap"
)

// MemoryDocumentSource implements DocumentSource using in-memory maps. Used
// for local development and tests.
type MemoryDocumentSource struct {
	docs   map[string]*model.Document
	rooms  map[string]string
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewMemoryDocumentSource creates an empty in-memory document source
func NewMemoryDocumentSource(logger *zap.Logger) *MemoryDocumentSource {
	return &MemoryDocumentSource{
		docs:   make(map[string]*model.Document),
		rooms:  make(map[string]string),
		logger: logger,
	}
}

// Put stores a document as-is, bypassing the version check
func (s *MemoryDocumentSource) Put(name string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[name] = &model.Document{
		Name:      name,
		Content:   append([]byte(nil), content...),
		UpdatedAt: time.Now(),
	}
}

// Load returns a copy of the named document
func (s *MemoryDocumentSource) Load(ctx context.Context, name string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.docs[name]
	if !exists {
		return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
	}

	c := *doc
	c.Content = append([]byte(nil), doc.Content...)
	return &c, nil
}

// Save stores a copy of the document
func (s *MemoryDocumentSource) Save(ctx context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.docs[doc.Name]; exists && existing.Version > doc.Version {
		return fmt.Errorf("document %s has a newer version than %d", doc.Name, doc.Version)
	}

	c := *doc
	c.Content = append([]byte(nil), doc.Content...)
	c.UpdatedAt = time.Now()
	s.docs[doc.Name] = &c

	s.logger.Debug("Document saved",
		zap.String("document", doc.Name),
		zap.Int("version", doc.Version))

	return nil
}

// BindRoom records the document edited by a room
func (s *MemoryDocumentSource) BindRoom(ctx context.Context, roomName, documentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[documentName]; !exists {
		return fmt.Errorf("document %s: %w", documentName, ErrNotFound)
	}
	s.rooms[roomName] = documentName
	return nil
}

// DocumentForRoom returns the document bound to a room
func (s *MemoryDocumentSource) DocumentForRoom(ctx context.Context, roomName string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, exists := s.rooms[roomName]
	if !exists {
		return "", fmt.Errorf("room %s: %w", roomName, ErrNotFound)
	}
	return name, nil
}

// Ping always succeeds
func (s *MemoryDocumentSource) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryDocumentSource) Close() {}
