package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlLectures = `
CREATE TABLE IF NOT EXISTS lectures (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL,
    status      TEXT         NOT NULL DEFAULT 'idle',
    summary     TEXT         NOT NULL DEFAULT '',
    transcript  TEXT         NOT NULL DEFAULT '',
    duration_s  INTEGER      NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlCards = `
CREATE TABLE IF NOT EXISTS cards (
    id          TEXT         PRIMARY KEY,
    lecture_id  TEXT         NOT NULL REFERENCES lectures (id) ON DELETE CASCADE,
    kind        TEXT         NOT NULL,
    term        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    citations   JSONB        NOT NULL DEFAULT '[]',
    badge       TEXT         NOT NULL DEFAULT 'concept',
    ts_seconds  INTEGER      NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cards_lecture_id ON cards (lecture_id);
`

const ddlTakeaways = `
CREATE TABLE IF NOT EXISTS takeaways (
    id          TEXT         PRIMARY KEY,
    lecture_id  TEXT         NOT NULL REFERENCES lectures (id) ON DELETE CASCADE,
    text        TEXT         NOT NULL,
    ts_seconds  INTEGER      NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_takeaways_lecture_id ON takeaways (lecture_id);
`

// Migrate creates the lectures, cards, and takeaways tables if they do not
// already exist. It is idempotent and safe to call on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlLectures, ddlCards, ddlTakeaways} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
