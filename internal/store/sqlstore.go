package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCommitUnknown marks a transaction whose COMMIT failed in a way that
// leaves its outcome unknown to the caller.
var ErrCommitUnknown = errors.New("store: commit outcome unknown")

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	retry   RetryPolicy
	q       *queries
}

func NewSQLStore(db *sql.DB, dialect Dialect, retry RetryPolicy) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		retry:   retry,
		q:       &queries{db: db, dialect: dialect},
	}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InTx runs fn in a single transaction, committing when fn returns nil and
// rolling back otherwise. Transient failures replay fn from the start, up to
// the retry policy's bound. fn must only touch the database through tx.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.retry.Do(ctx, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *SQLStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	ctx, span := tracer.Start(ctx, "store.InTx")
	defer span.End()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&queries{db: sqlTx, dialect: s.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			span.RecordError(rbErr)
			return &RollbackError{Cause: err, Rollback: rbErr}
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		span.RecordError(err)
		if IsTransient(err) {
			return fmt.Errorf("commit tx: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrCommitUnknown, err)
	}
	return nil
}

// RollbackError reports a failed unit of work whose rollback also failed.
type RollbackError struct {
	Cause    error
	Rollback error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v (original error: %v)", e.Rollback, e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

func (s *SQLStore) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	var item Artifact
	err := s.retry.Do(ctx, func() error {
		var err error
		item, err = s.q.GetArtifact(ctx, artifactID)
		return err
	})
	return item, err
}

func (s *SQLStore) InsertArtifact(ctx context.Context, item Artifact) error {
	return s.retry.Do(ctx, func() error {
		return s.q.InsertArtifact(ctx, item)
	})
}

func (s *SQLStore) UpdateArtifactState(ctx context.Context, artifactID string, from, to State, at time.Time) (bool, error) {
	var ok bool
	err := s.retry.Do(ctx, func() error {
		var err error
		ok, err = s.q.UpdateArtifactState(ctx, artifactID, from, to, at)
		return err
	})
	return ok, err
}

func (s *SQLStore) ListArtifacts(ctx context.Context, projectID string, kind Kind, after ArtifactCursor, limit int) ([]Artifact, error) {
	var items []Artifact
	err := s.retry.Do(ctx, func() error {
		var err error
		items, err = s.q.ListArtifacts(ctx, projectID, kind, after, limit)
		return err
	})
	return items, err
}

func (s *SQLStore) GetVersion(ctx context.Context, artifactID string, number int) (Version, error) {
	var version Version
	err := s.retry.Do(ctx, func() error {
		var err error
		version, err = s.q.GetVersion(ctx, artifactID, number)
		return err
	})
	return version, err
}

func (s *SQLStore) ListVersionHeaders(ctx context.Context, artifactID string, after, limit int) ([]VersionHeader, error) {
	var items []VersionHeader
	err := s.retry.Do(ctx, func() error {
		var err error
		items, err = s.q.ListVersionHeaders(ctx, artifactID, after, limit)
		return err
	})
	return items, err
}

func (s *SQLStore) GetLinkByTarget(ctx context.Context, targetArtifactID string) (TransformationLink, error) {
	var link TransformationLink
	err := s.retry.Do(ctx, func() error {
		var err error
		link, err = s.q.GetLinkByTarget(ctx, targetArtifactID)
		return err
	})
	return link, err
}
