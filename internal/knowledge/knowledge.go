// Package knowledge answers customer questions from a curated Q&A base.
package knowledge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one curated question/answer pair.
type Entry struct {
	ID       int     `json:"id"`
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Score    float64 `json:"score,omitempty"`
}

// Searcher ranks knowledge base entries against a free-text query.
// Scores are normalized to [0, 1].
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Entry, error)
	Topics(ctx context.Context, limit int) ([]string, int, error)
}

// PostgresKB serves the knowledge base from PostgreSQL using full-text
// ranking over the question text.
type PostgresKB struct {
	pool *pgxpool.Pool
}

func NewPostgresKB(ctx context.Context, pool *pgxpool.Pool) (*PostgresKB, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kb_entries (
			id SERIAL PRIMARY KEY,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', question || ' ' || answer)) STORED
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kb_tsv ON kb_entries USING GIN (tsv);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init kb schema: %w", err)
		}
	}
	return &PostgresKB{pool: pool}, nil
}

func (kb *PostgresKB) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	// ts_rank_cd with normalization 32 maps rank into (0, 1), which keeps
	// the confidence floor meaningful across corpus sizes.
	rows, err := kb.pool.Query(ctx,
		`SELECT id, question, answer,
		        ts_rank_cd(tsv, websearch_to_tsquery('english', $1), 32) AS score
		 FROM kb_entries
		 WHERE tsv @@ websearch_to_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`,
		query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("kb search: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Question, &e.Answer, &e.Score); err != nil {
			return nil, fmt.Errorf("scan kb entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kb entries: %w", err)
	}
	return entries, nil
}

func (kb *PostgresKB) Topics(ctx context.Context, limit int) ([]string, int, error) {
	var total int
	if err := kb.pool.QueryRow(ctx, `SELECT count(*) FROM kb_entries`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count kb entries: %w", err)
	}
	rows, err := kb.pool.Query(ctx, `SELECT question FROM kb_entries ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list kb topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, 0, fmt.Errorf("scan kb topic: %w", err)
		}
		topics = append(topics, q)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate kb topics: %w", err)
	}
	return topics, total, nil
}
