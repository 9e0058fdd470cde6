package consultation

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Repository persists whole session records. Create sets Version to 1;
// Update succeeds only when the stored Version matches and then increments it.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

type postgresRepo struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

func (r *postgresRepo) GetByID(ctx context.Context, id string) (*Session, error) {
	query := `SELECT document, version, created_at, updated_at FROM consultation_sessions WHERE id = $1`

	var (
		doc []byte
		s   Session
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&doc, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrSessionNotFound, id)
		}
		return nil, errors.Wrap(err, "select session")
	}

	version, createdAt, updatedAt := s.Version, s.CreatedAt, s.UpdatedAt
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}
	s.Version, s.CreatedAt, s.UpdatedAt = version, createdAt, updatedAt
	return &s, nil
}

func (r *postgresRepo) Create(ctx context.Context, s *Session) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt, s.Version = now, now, 1

	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO consultation_sessions (id, status, phase, language, document, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.Status, s.Phase, s.Language, doc, s.Version, s.CreatedAt, s.UpdatedAt)
	return errors.Wrap(err, "insert session")
}

func (r *postgresRepo) Update(ctx context.Context, s *Session) error {
	next := *s
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	query := `
		UPDATE consultation_sessions
		SET status = $2, phase = $3, document = $4, version = $5, updated_at = $6
		WHERE id = $1 AND version = $7
	`
	res, err := r.db.ExecContext(ctx, query,
		s.ID, next.Status, next.Phase, doc, next.Version, next.UpdatedAt, s.Version)
	if err != nil {
		return errors.Wrap(err, "update session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update session")
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, s.ID); err != nil {
			return err
		}
		return errors.Wrapf(ErrVersionConflict, "session %s version %d", s.ID, s.Version)
	}

	s.Version, s.UpdatedAt = next.Version, next.UpdatedAt
	return nil
}

func (r *postgresRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM consultation_sessions WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete session")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrap(ErrSessionNotFound, id)
	}
	return nil
}
