package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairdoc/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Schema creates the tables used by PostgresDocumentSource
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	content    BYTEA NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS room_documents (
	room_name     TEXT PRIMARY KEY,
	document_name TEXT NOT NULL REFERENCES documents(name),
	bound_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresDocumentSource implements DocumentSource for PostgreSQL
type PostgresDocumentSource struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresDocumentSource creates a new PostgreSQL document source
func NewPostgresDocumentSource(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresDocumentSource, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDocumentSource{
		pool:   pool,
		logger: logger,
	}, nil
}

// Migrate creates the schema if missing
func (s *PostgresDocumentSource) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Load retrieves a document by name
func (s *PostgresDocumentSource) Load(ctx context.Context, name string) (*model.Document, error) {
	query := `
		SELECT name, content, version, updated_at
		FROM documents
		WHERE name = $1
	`

	var doc model.Document
	err := s.pool.QueryRow(ctx, query, name).Scan(
		&doc.Name,
		&doc.Content,
		&doc.Version,
		&doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	return &doc, nil
}

// Save upserts a document. A save never moves the folded version backwards.
func (s *PostgresDocumentSource) Save(ctx context.Context, doc *model.Document) error {
	query := `
		INSERT INTO documents (name, content, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET content = EXCLUDED.content, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		WHERE documents.version <= EXCLUDED.version
	`

	doc.UpdatedAt = time.Now()
	result, err := s.pool.Exec(ctx, query,
		doc.Name,
		doc.Content,
		doc.Version,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("document %s has a newer version than %d", doc.Name, doc.Version)
	}

	s.logger.Debug("Document saved",
		zap.String("document", doc.Name),
		zap.Int("version", doc.Version),
		zap.Int("bytes", len(doc.Content)))

	return nil
}

// BindRoom records the document edited by a room
func (s *PostgresDocumentSource) BindRoom(ctx context.Context, roomName, documentName string) error {
	query := `
		INSERT INTO room_documents (room_name, document_name, bound_at)
		VALUES ($1, $2, now())
		ON CONFLICT (room_name) DO UPDATE SET document_name = EXCLUDED.document_name
	`

	if _, err := s.pool.Exec(ctx, query, roomName, documentName); err != nil {
		return fmt.Errorf("failed to bind room: %w", err)
	}
	return nil
}

// DocumentForRoom returns the document bound to a room
func (s *PostgresDocumentSource) DocumentForRoom(ctx context.Context, roomName string) (string, error) {
	query := `SELECT document_name FROM room_documents WHERE room_name = $1`

	var name string
	err := s.pool.QueryRow(ctx, query, roomName).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("room %s: %w", roomName, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve room document: %w", err)
	}
	return name, nil
}

// Ping checks the database connection
func (s *PostgresDocumentSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresDocumentSource) Close() {
	s.pool.Close()
}
