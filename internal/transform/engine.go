// Package transform derives Intellectual artifacts from fixed versions of
// Cognitive ones and records the lineage between them.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cogspace/api/internal/apperr"
	"cogspace/api/internal/artifact"
	"cogspace/api/internal/events"
	"cogspace/api/internal/logging"
	"cogspace/api/internal/metrics"
	"cogspace/api/internal/store"
	"cogspace/api/internal/util"
	"cogspace/api/internal/versioning"
)

type Store interface {
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
	GetArtifact(ctx context.Context, artifactID string) (store.Artifact, error)
	GetLinkByTarget(ctx context.Context, targetArtifactID string) (store.TransformationLink, error)
}

type Engine struct {
	store     Store
	artifacts *artifact.Service
	versions  *versioning.Manager
	bus       *events.Bus
	now       func() time.Time
}

func NewEngine(st Store, artifacts *artifact.Service, versions *versioning.Manager, bus *events.Bus) *Engine {
	return &Engine{
		store:     st,
		artifacts: artifacts,
		versions:  versions,
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Request describes one transformation. Content mapping happens before the
// call; InitialContent is stored as the target's first version verbatim.
// An empty Title reuses the source title.
type Request struct {
	SourceArtifactID string
	SourceVersion    int
	RuleSetID        string
	InitialContent   store.Content
	CreatorID        string
	Title            string
	Description      string
}

type Result struct {
	Artifact store.Artifact
	Version  store.Version
	Link     store.TransformationLink
}

// Transform creates the target artifact, its first version and the lineage
// link in one transaction. Either all three exist afterwards or none does.
func (e *Engine) Transform(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	ctx = logging.WithValue(ctx, logging.ActorIDKey, req.CreatorID)

	var (
		res       Result
		committed versioning.Committed
		created   bool
	)
	err := e.store.InTx(context.WithoutCancel(ctx), func(tx store.Tx) error {
		ctx := context.WithoutCancel(ctx)
		created = false
		source, err := tx.GetArtifact(ctx, req.SourceArtifactID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("artifact %s not found", req.SourceArtifactID)
		}
		if err != nil {
			return err
		}
		sourceVersion, err := tx.GetVersion(ctx, source.ID, req.SourceVersion)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("version %d of artifact %s not found", req.SourceVersion, source.ID)
		}
		if err != nil {
			return err
		}
		if source.Kind != store.KindCognitive {
			return apperr.Validation("artifact %s is %s; only cognitive artifacts can be transformed", source.ID, source.Kind)
		}

		title := req.Title
		if strings.TrimSpace(title) == "" {
			title = source.Title
		}
		target, err := e.artifacts.Build(artifact.CreateInput{
			Kind:        store.KindIntellectual,
			ProjectID:   source.ProjectID,
			CreatorID:   req.CreatorID,
			Title:       title,
			Description: req.Description,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertArtifact(ctx, target); err != nil {
			return err
		}
		created = true

		committed, err = e.versions.CommitTx(ctx, tx, versioning.CommitRequest{
			ArtifactID: target.ID,
			BasedOn:    0,
			Content:    req.InitialContent,
			CreatorID:  req.CreatorID,
		})
		if err != nil {
			return err
		}

		link := store.TransformationLink{
			SourceArtifactID:  source.ID,
			SourceVersion:     sourceVersion.Number,
			TargetArtifactID:  target.ID,
			RuleSetID:         req.RuleSetID,
			SourceContentHash: sourceVersion.ContentHash,
			TransformedAt:     e.now(),
		}
		if err := tx.InsertLink(ctx, link); err != nil {
			return err
		}

		res = Result{Artifact: committed.Artifact, Version: committed.Version, Link: link}
		return nil
	})
	if err != nil {
		metrics.Transformations.WithLabelValues(req.RuleSetID, "error").Inc()
		return Result{}, e.transformFailed(ctx, req, created, err)
	}

	metrics.Transformations.WithLabelValues(req.RuleSetID, "ok").Inc()
	metrics.ArtifactsCreated.WithLabelValues(string(store.KindIntellectual)).Inc()
	ctx = logging.WithValue(ctx, logging.ArtifactIDKey, res.Artifact.ID)
	logging.Info(ctx, "artifact transformed",
		"source_artifact_id", res.Link.SourceArtifactID,
		"source_version", res.Link.SourceVersion,
		"rule_set_id", res.Link.RuleSetID,
	)
	e.artifacts.Announce(ctx, res.Artifact)
	e.versions.Announce(ctx, committed)
	e.bus.Emit(ctx, events.Event{
		ID:         util.NewID("evt"),
		Type:       events.Transformed,
		ArtifactID: res.Artifact.ID,
		ActorID:    req.CreatorID,
		OccurredAt: res.Link.TransformedAt,
		Data: map[string]any{
			"sourceArtifactId":  res.Link.SourceArtifactID,
			"sourceVersion":     res.Link.SourceVersion,
			"ruleSetId":         res.Link.RuleSetID,
			"sourceContentHash": res.Link.SourceContentHash,
		},
	})
	return res, nil
}

// transformFailed classifies a failed transaction. Once the target artifact
// was written, any failure is a broken multi-step write: the transaction was
// rolled back, but the caller gets an internal error, not a retryable one.
func (e *Engine) transformFailed(ctx context.Context, req Request, created bool, err error) error {
	ctx = logging.WithValue(ctx, logging.ArtifactIDKey, req.SourceArtifactID)
	var rollback *store.RollbackError
	switch {
	case errors.As(err, &rollback), errors.Is(err, store.ErrCommitUnknown):
		metrics.InternalErrors.WithLabelValues("transform").Inc()
		logging.Error(ctx, "transformation left storage in an unknown state", err,
			"source_version", req.SourceVersion, "rule_set_id", req.RuleSetID)
		return apperr.Internal(err, "transformation of %s outcome unknown", req.SourceArtifactID)
	case created && apperr.KindOf(err) != apperr.KindValidation:
		metrics.InternalErrors.WithLabelValues("transform").Inc()
		logging.Error(ctx, "transformation rolled back after partial write", err,
			"source_version", req.SourceVersion, "rule_set_id", req.RuleSetID)
		return apperr.Internal(err, "transformation of %s rolled back", req.SourceArtifactID)
	case apperr.KindOf(err) != "":
		return err
	default:
		return fmt.Errorf("transform: %w", err)
	}
}

func validateRequest(req Request) error {
	switch {
	case strings.TrimSpace(req.SourceArtifactID) == "":
		return apperr.Validation("source artifact id is required")
	case strings.TrimSpace(req.RuleSetID) == "":
		return apperr.Validation("rule set id is required")
	case strings.TrimSpace(req.CreatorID) == "":
		return apperr.Validation("creator id is required")
	case req.SourceVersion < 1:
		return apperr.NotFound("version %d of artifact %s not found", req.SourceVersion, req.SourceArtifactID)
	}
	return nil
}

// Refine commits a new version of a transformed artifact. Neither the
// lineage link nor the source artifact is touched.
func (e *Engine) Refine(ctx context.Context, artifactID string, basedOn int, content store.Content, creatorID string) (store.Version, error) {
	item, err := e.artifacts.Get(ctx, artifactID)
	if err != nil {
		return store.Version{}, err
	}
	if item.Kind != store.KindIntellectual {
		return store.Version{}, apperr.Validation("artifact %s is %s; only intellectual artifacts can be refined", artifactID, item.Kind)
	}
	return e.versions.CommitVersion(ctx, artifactID, basedOn, content, creatorID)
}

// GetLineage returns the link recorded when artifactID was produced.
func (e *Engine) GetLineage(ctx context.Context, artifactID string) (store.TransformationLink, error) {
	link, err := e.store.GetLinkByTarget(ctx, artifactID)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.TransformationLink{}, fmt.Errorf("get lineage: %w", err)
	}
	if _, err := e.artifacts.Get(ctx, artifactID); err != nil {
		return store.TransformationLink{}, err
	}
	return store.TransformationLink{}, apperr.NotFound("artifact %s was not created by transformation", artifactID)
}
