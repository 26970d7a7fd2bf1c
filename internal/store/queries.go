package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cogspace/store")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the unit of work handed to SQLStore.InTx callbacks. Every call runs
// inside the same database transaction.
type Tx interface {
	InsertArtifact(ctx context.Context, item Artifact) error
	GetArtifact(ctx context.Context, artifactID string) (Artifact, error)
	LockArtifact(ctx context.Context, artifactID string) (Artifact, error)
	UpdateArtifactState(ctx context.Context, artifactID string, from, to State, at time.Time) (bool, error)
	AdvanceHead(ctx context.Context, artifactID string, expected int, state State, at time.Time) (bool, error)
	InsertVersion(ctx context.Context, version Version) error
	GetVersion(ctx context.Context, artifactID string, number int) (Version, error)
	InsertLink(ctx context.Context, link TransformationLink) error
}

// ArtifactCursor is the keyset position after which a listing resumes.
type ArtifactCursor struct {
	CreatedAt time.Time
	ID        string
}

type queries struct {
	db      querier
	dialect Dialect
}

func (q *queries) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "store."+name, trace.WithAttributes(
		append(attrs, attribute.String("db.system", q.dialect.Name()))...,
	))
}

const artifactColumns = `id, title, description, kind, project_id, creator_id, state, latest_version, created_at, updated_at`

func scanArtifact(row interface{ Scan(...any) error }) (Artifact, error) {
	var item Artifact
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.Kind,
		&item.ProjectID,
		&item.CreatorID,
		&item.State,
		&item.LatestVersion,
		scanTime{&item.CreatedAt},
		scanTime{&item.UpdatedAt},
	)
	return item, err
}

func (q *queries) InsertArtifact(ctx context.Context, item Artifact) error {
	ctx, span := q.start(ctx, "InsertArtifact", attribute.String("artifact.id", item.ID))
	defer span.End()

	_, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`),
		item.ID,
		item.Title,
		item.Description,
		string(item.Kind),
		item.ProjectID,
		item.CreatorID,
		string(item.State),
		item.LatestVersion,
		q.dialect.Time(item.CreatedAt),
		q.dialect.Time(item.UpdatedAt),
	)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return fmt.Errorf("insert artifact %s: %w", item.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (q *queries) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	return q.getArtifact(ctx, artifactID, "")
}

// LockArtifact reads an artifact and, where the database supports it, holds
// a row lock until the transaction ends.
func (q *queries) LockArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	return q.getArtifact(ctx, artifactID, q.dialect.lockRow())
}

func (q *queries) getArtifact(ctx context.Context, artifactID, suffix string) (Artifact, error) {
	ctx, span := q.start(ctx, "GetArtifact", attribute.String("artifact.id", artifactID))
	defer span.End()

	row := q.db.QueryRowContext(ctx, q.dialect.Rebind(`SELECT `+artifactColumns+` FROM artifacts WHERE id=$1`+suffix), artifactID)
	item, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return item, nil
}

// ListArtifacts returns up to limit artifacts of a project ordered by
// creation time, starting strictly after the cursor. An empty kind matches
// every kind.
func (q *queries) ListArtifacts(ctx context.Context, projectID string, kind Kind, after ArtifactCursor, limit int) ([]Artifact, error) {
	ctx, span := q.start(ctx, "ListArtifacts", attribute.String("project.id", projectID))
	defer span.End()

	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(`
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE project_id = $1
			AND ($2 = '' OR kind = $2)
			AND (created_at > $3 OR (created_at = $3 AND id > $4))
		ORDER BY created_at ASC, id ASC
		LIMIT $5
	`), projectID, string(kind), q.dialect.Time(after.CreatedAt), after.ID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	items := make([]Artifact, 0, limit)
	for rows.Next() {
		item, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return items, nil
}

// UpdateArtifactState moves an artifact from one state to another. It
// reports false when the stored state no longer equals from.
func (q *queries) UpdateArtifactState(ctx context.Context, artifactID string, from, to State, at time.Time) (bool, error) {
	ctx, span := q.start(ctx, "UpdateArtifactState", attribute.String("artifact.id", artifactID))
	defer span.End()

	result, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		UPDATE artifacts
		SET state=$3, updated_at=$4
		WHERE id=$1 AND state=$2
	`), artifactID, string(from), string(to), q.dialect.Time(at))
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("update artifact state: %w", err)
	}
	return affectedOne(result)
}

// AdvanceHead is the compare-and-increment on an artifact's latest version
// number: it succeeds only while latest_version still equals expected.
func (q *queries) AdvanceHead(ctx context.Context, artifactID string, expected int, state State, at time.Time) (bool, error) {
	ctx, span := q.start(ctx, "AdvanceHead",
		attribute.String("artifact.id", artifactID),
		attribute.Int("version.expected", expected),
	)
	defer span.End()

	result, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		UPDATE artifacts
		SET latest_version=$3, state=$4, updated_at=$5
		WHERE id=$1 AND latest_version=$2
	`), artifactID, expected, expected+1, string(state), q.dialect.Time(at))
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("advance head: %w", err)
	}
	return affectedOne(result)
}

func affectedOne(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

func (q *queries) InsertVersion(ctx context.Context, version Version) error {
	ctx, span := q.start(ctx, "InsertVersion",
		attribute.String("artifact.id", version.ArtifactID),
		attribute.Int("version.number", version.Number),
	)
	defer span.End()

	payload, err := version.Content.Canonical()
	if err != nil {
		return err
	}
	var parent sql.NullInt64
	if version.ParentVersion != nil {
		parent = sql.NullInt64{Int64: int64(*version.ParentVersion), Valid: true}
	}
	_, err = q.db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO versions (id, artifact_id, version_number, parent_version, creator_id, content, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`),
		version.ID,
		version.ArtifactID,
		version.Number,
		parent,
		version.CreatorID,
		string(payload),
		version.ContentHash,
		q.dialect.Time(version.CreatedAt),
	)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return fmt.Errorf("insert version %s#%d: %w", version.ArtifactID, version.Number, ErrDuplicate)
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

const versionHeaderColumns = `id, artifact_id, version_number, parent_version, creator_id, content_hash, created_at`

func scanVersionHeader(row interface{ Scan(...any) error }, extra ...any) (VersionHeader, error) {
	var item VersionHeader
	var parent sql.NullInt64
	dest := append([]any{
		&item.ID,
		&item.ArtifactID,
		&item.Number,
		&parent,
		&item.CreatorID,
		&item.ContentHash,
		scanTime{&item.CreatedAt},
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return VersionHeader{}, err
	}
	if parent.Valid {
		value := int(parent.Int64)
		item.ParentVersion = &value
	}
	return item, nil
}

func (q *queries) GetVersion(ctx context.Context, artifactID string, number int) (Version, error) {
	ctx, span := q.start(ctx, "GetVersion",
		attribute.String("artifact.id", artifactID),
		attribute.Int("version.number", number),
	)
	defer span.End()

	var payload []byte
	row := q.db.QueryRowContext(ctx, q.dialect.Rebind(`
		SELECT `+versionHeaderColumns+`, content
		FROM versions
		WHERE artifact_id=$1 AND version_number=$2
	`), artifactID, number)
	header, err := scanVersionHeader(row, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, fmt.Errorf("version %s#%d: %w", artifactID, number, ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return Version{}, fmt.Errorf("get version: %w", err)
	}
	content, err := DecodeContent(payload)
	if err != nil {
		return Version{}, err
	}
	return Version{VersionHeader: header, Content: content}, nil
}

// ListVersionHeaders returns up to limit version headers with numbers
// greater than after, ascending. Content is not read.
func (q *queries) ListVersionHeaders(ctx context.Context, artifactID string, after, limit int) ([]VersionHeader, error) {
	ctx, span := q.start(ctx, "ListVersionHeaders", attribute.String("artifact.id", artifactID))
	defer span.End()

	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(`
		SELECT `+versionHeaderColumns+`
		FROM versions
		WHERE artifact_id=$1 AND version_number > $2
		ORDER BY version_number ASC
		LIMIT $3
	`), artifactID, after, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]VersionHeader, 0, limit)
	for rows.Next() {
		item, err := scanVersionHeader(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (q *queries) InsertLink(ctx context.Context, link TransformationLink) error {
	ctx, span := q.start(ctx, "InsertLink", attribute.String("artifact.id", link.TargetArtifactID))
	defer span.End()

	_, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO transformation_links (source_artifact_id, source_version, target_artifact_id, rule_set_id, source_content_hash, transformed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`),
		link.SourceArtifactID,
		link.SourceVersion,
		link.TargetArtifactID,
		link.RuleSetID,
		link.SourceContentHash,
		q.dialect.Time(link.TransformedAt),
	)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return fmt.Errorf("insert link for %s: %w", link.TargetArtifactID, ErrDuplicate)
		}
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

func (q *queries) GetLinkByTarget(ctx context.Context, targetArtifactID string) (TransformationLink, error) {
	ctx, span := q.start(ctx, "GetLinkByTarget", attribute.String("artifact.id", targetArtifactID))
	defer span.End()

	var link TransformationLink
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(`
		SELECT source_artifact_id, source_version, target_artifact_id, rule_set_id, source_content_hash, transformed_at
		FROM transformation_links
		WHERE target_artifact_id=$1
	`), targetArtifactID).Scan(
		&link.SourceArtifactID,
		&link.SourceVersion,
		&link.TargetArtifactID,
		&link.RuleSetID,
		&link.SourceContentHash,
		scanTime{&link.TransformedAt},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return TransformationLink{}, fmt.Errorf("link for %s: %w", targetArtifactID, ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return TransformationLink{}, fmt.Errorf("get link: %w", err)
	}
	return link, nil
}
