// Package postgres provides an optional PostgreSQL log of what the listening
// pipeline produced: every detected question (with its refined text once a
// batch completes) and every transcript in unit order.
//
// The [Store] plugs into the pipeline as a listen.Observer. Writes happen on a
// background worker so the pipeline never waits for the database.
//
// Usage:
//
//	store, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close(ctx)
//
//	ctrl := listen.New(engine, refiner, listen.WithObserver(store))
package postgres

import (
	"context"
	"fmt"
)

const ddlQuestions = `
CREATE TABLE IF NOT EXISTS listen_questions (
    id                TEXT              PRIMARY KEY,
    session_id        TEXT              NOT NULL,
    text              TEXT              NOT NULL,
    refined_text      TEXT              NOT NULL DEFAULT '',
    language          TEXT              NOT NULL DEFAULT '',
    confidence        DOUBLE PRECISION  NOT NULL DEFAULT 0,
    source_result_id  TEXT              NOT NULL DEFAULT '',
    timestamp         TIMESTAMPTZ       NOT NULL,
    refined_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_listen_questions_session_timestamp
    ON listen_questions (session_id, timestamp);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS listen_transcripts (
    id              TEXT              PRIMARY KEY,
    session_id      TEXT              NOT NULL,
    seq             BIGINT            NOT NULL,
    source_unit_id  TEXT              NOT NULL DEFAULT '',
    text            TEXT              NOT NULL,
    confidence      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    timestamp       TIMESTAMPTZ       NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_listen_transcripts_session_seq
    ON listen_transcripts (session_id, seq);
`

// Migrate creates the listen_questions and listen_transcripts tables if they
// do not exist. It is idempotent and safe to call on every start.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range []string{ddlQuestions, ddlTranscripts} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
