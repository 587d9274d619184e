package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/persona/internal/profile"
	"github.com/andresmejia3/persona/internal/vector"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	log "github.com/sirupsen/logrus"
)

// Store mirrors the profile registry into PostgreSQL, one row per encoding in a pgvector
// column. Encodings are stored as float32, so values read back carry single precision.
type Store struct {
	conn *pgx.Conn
}

// ProfileSummary is one row of the profile listing.
type ProfileSummary struct {
	ID                  string
	AcceptanceTolerance float64
	Encodings           int
	UpdatedAt           time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	// The vector type only exists once the extension is installed.
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to register vector types: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and the vector extension if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			acceptance_tolerance DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS profile_encodings (
			id BIGSERIAL PRIMARY KEY,
			profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
			position INT NOT NULL,
			embedding VECTOR NOT NULL,
			UNIQUE (profile_id, position)
		);
		CREATE INDEX IF NOT EXISTS profile_encodings_profile_id_idx ON profile_encodings (profile_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveProfile replaces the stored copy of p, encodings included, in one transaction.
func (s *Store) SaveProfile(ctx context.Context, p *profile.Profile) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO profiles (id, acceptance_tolerance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET acceptance_tolerance = EXCLUDED.acceptance_tolerance, updated_at = NOW()
	`, p.ID, p.AcceptanceTolerance)
	if err != nil {
		return fmt.Errorf("upsert profile '%s': %w", p.ID, err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM profile_encodings WHERE profile_id = $1", p.ID); err != nil {
		return fmt.Errorf("clear encodings of '%s': %w", p.ID, err)
	}

	for i, enc := range p.Encodings {
		_, err := tx.Exec(ctx, `
			INSERT INTO profile_encodings (profile_id, position, embedding)
			VALUES ($1, $2, $3)
		`, p.ID, i, pgvector.NewVector(enc.Float32()))
		if err != nil {
			return fmt.Errorf("insert encoding %d of '%s': %w", i, p.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// LoadProfiles returns every stored profile, ordered by id, encodings in saved order.
func (s *Store) LoadProfiles(ctx context.Context) ([]*profile.Profile, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT p.id, p.acceptance_tolerance, e.embedding
		FROM profiles p
		LEFT JOIN profile_encodings e ON e.profile_id = p.id
		ORDER BY p.id, e.position
	`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []*profile.Profile
	var current *profile.Profile
	for rows.Next() {
		var (
			id        string
			tolerance float64
			embedding *pgvector.Vector
		)
		if err := rows.Scan(&id, &tolerance, &embedding); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}

		if current == nil || current.ID != id {
			current = profile.New(id, nil, tolerance)
			out = append(out, current)
		}
		// NULL when the profile has no encodings.
		if embedding != nil {
			current.Encodings = append(current.Encodings, vector.FromFloat32(embedding.Slice()))
		}
	}
	return out, rows.Err()
}

// ListProfiles summarises the stored profiles without fetching the vectors.
func (s *Store) ListProfiles(ctx context.Context) ([]ProfileSummary, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT p.id, p.acceptance_tolerance, COUNT(e.id), p.updated_at
		FROM profiles p
		LEFT JOIN profile_encodings e ON e.profile_id = p.id
		GROUP BY p.id
		ORDER BY p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query profile summaries: %w", err)
	}
	defer rows.Close()

	var out []ProfileSummary
	for rows.Next() {
		var ps ProfileSummary
		if err := rows.Scan(&ps.ID, &ps.AcceptanceTolerance, &ps.Encodings, &ps.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan profile summary: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// DeleteProfile removes a profile and its encodings, reporting whether it existed.
func (s *Store) DeleteProfile(ctx context.Context, id string) (bool, error) {
	tag, err := s.conn.Exec(ctx, "DELETE FROM profiles WHERE id = $1", id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindClosestProfile returns the profile whose encodings are closest to enc on average
// (Euclidean, the same measure the local registry uses), provided that average is within
// threshold. It returns "" when nothing qualifies.
func (s *Store) FindClosestProfile(ctx context.Context, enc vector.Encoding, threshold float64) (string, float64, error) {
	// <-> is the L2 distance operator in pgvector
	query := `
		SELECT profile_id, AVG(embedding <-> $1) AS distance
		FROM profile_encodings
		WHERE vector_dims(embedding) = $3
		GROUP BY profile_id
		HAVING AVG(embedding <-> $1) <= $2
		ORDER BY distance ASC
		LIMIT 1
	`

	var id string
	var distance float64
	err := s.conn.QueryRow(ctx, query, pgvector.NewVector(enc.Float32()), threshold, len(enc)).Scan(&id, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}

	log.WithFields(log.Fields{"profile": id, "distance": distance}).Debug("store: closest profile")
	return id, distance, nil
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS profile_encodings CASCADE;
		DROP TABLE IF EXISTS profiles CASCADE;
	`)
	return err
}
