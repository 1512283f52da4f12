// Package store implements durable persistence for lectures and the
// definition/deep-research cards and takeaways produced by the analysis
// pipeline, backed by PostgreSQL via pgxpool.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed artifact store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the database at
// dsn, and runs Migrate to ensure the lectures/cards/takeaways tables exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateLecture inserts a new lecture in StatusIdle and returns it with a
// server-chosen identity.
func (s *Store) CreateLecture(ctx context.Context, title string) (Lecture, error) {
	const q = `
		INSERT INTO lectures (id, title, status)
		VALUES ($1, $2, $3)
		RETURNING id, title, status, summary, transcript, duration_s, created_at, updated_at`

	row := s.pool.QueryRow(ctx, q, uuid.NewString(), title, StatusIdle)
	l, err := scanLecture(row)
	if err != nil {
		return Lecture{}, fmt.Errorf("store: create lecture: %w", err)
	}
	return l, nil
}

// GetLecture returns the lecture with the given id.
func (s *Store) GetLecture(ctx context.Context, id string) (Lecture, error) {
	const q = `
		SELECT id, title, status, summary, transcript, duration_s, created_at, updated_at
		FROM   lectures
		WHERE  id = $1`

	row := s.pool.QueryRow(ctx, q, id)
	l, err := scanLecture(row)
	if err != nil {
		return Lecture{}, fmt.Errorf("store: get lecture %s: %w", id, err)
	}
	return l, nil
}

// ListLectures returns every lecture, most recently created first.
func (s *Store) ListLectures(ctx context.Context) ([]Lecture, error) {
	const q = `
		SELECT id, title, status, summary, transcript, duration_s, created_at, updated_at
		FROM   lectures
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list lectures: %w", err)
	}
	lectures, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Lecture, error) {
		return scanLecture(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: list lectures: %w", err)
	}
	return lectures, nil
}

// DeleteLecture removes a lecture and, via cascade, every card and takeaway
// owned by it.
func (s *Store) DeleteLecture(ctx context.Context, id string) error {
	const q = `DELETE FROM lectures WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: delete lecture %s: %w", id, err)
	}
	return nil
}

// SetStatus transitions a lecture to status and refreshes updated_at. A
// lecture that is already completed is left unchanged.
func (s *Store) SetStatus(ctx context.Context, lectureID, status string) error {
	const q = `UPDATE lectures SET status = $2, updated_at = now() WHERE id = $1 AND status <> $3`
	if _, err := s.pool.Exec(ctx, q, lectureID, status, StatusCompleted); err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return nil
}

// UpdateTranscript overwrites the lecture's stored transcript snapshot.
func (s *Store) UpdateTranscript(ctx context.Context, lectureID, transcript string, durationS int) error {
	const q = `
		UPDATE lectures
		SET    transcript = $2, duration_s = $3, updated_at = now()
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, lectureID, transcript, durationS); err != nil {
		return fmt.Errorf("store: update transcript: %w", err)
	}
	return nil
}

// UpdateSummary overwrites the lecture's rolling summary.
func (s *Store) UpdateSummary(ctx context.Context, lectureID, summary string) error {
	const q = `UPDATE lectures SET summary = $2, updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, lectureID, summary); err != nil {
		return fmt.Errorf("store: update summary: %w", err)
	}
	return nil
}

// FinalizeLecture marks a lecture completed and persists its final
// transcript and duration. If summary is non-nil, it is written in the same
// statement; a nil summary leaves whatever summary the lecture already has
// untouched, matching the "no summary update on disconnect" behavior (the
// end_session path passes its generated final summary; the disconnect path
// passes nil). Once completed, a lecture is never reopened.
func (s *Store) FinalizeLecture(ctx context.Context, lectureID, transcript string, summary *string, durationS int) error {
	if summary != nil {
		const q = `
			UPDATE lectures
			SET    status = $2, transcript = $3, summary = $4, duration_s = $5, updated_at = now()
			WHERE  id = $1`
		if _, err := s.pool.Exec(ctx, q, lectureID, StatusCompleted, transcript, *summary, durationS); err != nil {
			return fmt.Errorf("store: finalize lecture: %w", err)
		}
		return nil
	}

	const q = `
		UPDATE lectures
		SET    status = $2, transcript = $3, duration_s = $4, updated_at = now()
		WHERE  id = $1`
	if _, err := s.pool.Exec(ctx, q, lectureID, StatusCompleted, transcript, durationS); err != nil {
		return fmt.Errorf("store: finalize lecture: %w", err)
	}
	return nil
}

// InsertCard persists a new Card with a server-chosen identity and returns
// it populated with that identity and CreatedAt.
func (s *Store) InsertCard(ctx context.Context, c Card) (Card, error) {
	citations, err := json.Marshal(c.Citations)
	if err != nil {
		return Card{}, fmt.Errorf("store: insert card: encode citations: %w", err)
	}

	const q = `
		INSERT INTO cards (id, lecture_id, kind, term, content, citations, badge, ts_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, lecture_id, kind, term, content, citations, badge, ts_seconds, created_at`

	c.ID = uuid.NewString()
	row := s.pool.QueryRow(ctx, q, c.ID, c.LectureID, c.Kind, c.Term, c.Content, citations, c.Badge, c.TSSeconds)
	out, err := scanCard(row)
	if err != nil {
		return Card{}, fmt.Errorf("store: insert card: %w", err)
	}
	return out, nil
}

// ListCards returns every card for a lecture, oldest first.
func (s *Store) ListCards(ctx context.Context, lectureID string) ([]Card, error) {
	const q = `
		SELECT id, lecture_id, kind, term, content, citations, badge, ts_seconds, created_at
		FROM   cards
		WHERE  lecture_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, lectureID)
	if err != nil {
		return nil, fmt.Errorf("store: list cards: %w", err)
	}
	cards, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Card, error) {
		return scanCard(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: list cards: %w", err)
	}
	return cards, nil
}

// InsertTakeaway persists a new Takeaway with a server-chosen identity.
func (s *Store) InsertTakeaway(ctx context.Context, t Takeaway) (Takeaway, error) {
	const q = `
		INSERT INTO takeaways (id, lecture_id, text, ts_seconds)
		VALUES ($1, $2, $3, $4)
		RETURNING id, lecture_id, text, ts_seconds, created_at`

	t.ID = uuid.NewString()
	row := s.pool.QueryRow(ctx, q, t.ID, t.LectureID, t.Text, t.TSSeconds)
	out, err := scanTakeaway(row)
	if err != nil {
		return Takeaway{}, fmt.Errorf("store: insert takeaway: %w", err)
	}
	return out, nil
}

// ListTakeaways returns every takeaway for a lecture, oldest first.
func (s *Store) ListTakeaways(ctx context.Context, lectureID string) ([]Takeaway, error) {
	const q = `
		SELECT id, lecture_id, text, ts_seconds, created_at
		FROM   takeaways
		WHERE  lecture_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, lectureID)
	if err != nil {
		return nil, fmt.Errorf("store: list takeaways: %w", err)
	}
	takeaways, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Takeaway, error) {
		return scanTakeaway(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: list takeaways: %w", err)
	}
	return takeaways, nil
}

func scanLecture(row pgx.Row) (Lecture, error) {
	var l Lecture
	if err := row.Scan(&l.ID, &l.Title, &l.Status, &l.Summary, &l.Transcript, &l.DurationS, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return Lecture{}, err
	}
	return l, nil
}

func scanCard(row pgx.Row) (Card, error) {
	var (
		c         Card
		citations []byte
	)
	if err := row.Scan(&c.ID, &c.LectureID, &c.Kind, &c.Term, &c.Content, &citations, &c.Badge, &c.TSSeconds, &c.CreatedAt); err != nil {
		return Card{}, err
	}
	if len(citations) > 0 {
		if err := json.Unmarshal(citations, &c.Citations); err != nil {
			return Card{}, fmt.Errorf("decode citations: %w", err)
		}
	}
	return c, nil
}

func scanTakeaway(row pgx.Row) (Takeaway, error) {
	var t Takeaway
	if err := row.Scan(&t.ID, &t.LectureID, &t.Text, &t.TSSeconds, &t.CreatedAt); err != nil {
		return Takeaway{}, err
	}
	return t, nil
}
