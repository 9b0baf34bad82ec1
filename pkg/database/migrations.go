package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateSearchIndexes creates full-text search GIN indexes for PostgreSQL.
// These indexes enable keyword retrieval over knowledge entries and incident
// history when no query embedding is available.
func CreateSearchIndexes(ctx context.Context, db *sql.DB) error {
	// GIN index for knowledge content full-text search
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_content_gin
		ON knowledge USING gin(to_tsvector('english', content))`)
	if err != nil {
		return fmt.Errorf("failed to create knowledge content GIN index: %w", err)
	}

	// GIN index for incident description+resolution full-text search
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_incidents_text_gin
		ON incidents USING gin(to_tsvector('english', description || ' ' || COALESCE(resolution, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create incident text GIN index: %w", err)
	}

	return nil
}

// CreateVectorIndexes creates ivfflat indexes for embedding similarity search.
// Applied on every startup rather than in the numbered migrations: ivfflat
// clusters existing rows when built, so operators can drop and let startup
// rebuild them after a bulk import.
func CreateVectorIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_embedding
		ON knowledge USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`)
	if err != nil {
		return fmt.Errorf("failed to create knowledge embedding index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_incidents_embedding
		ON incidents USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`)
	if err != nil {
		return fmt.Errorf("failed to create incident embedding index: %w", err)
	}

	return nil
}
