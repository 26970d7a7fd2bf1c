package app

import (
	"context"
	"fmt"
	"iter"

	"cogspace/api/internal/apperr"
	"cogspace/api/internal/artifact"
	"cogspace/api/internal/gitrepo"
	"cogspace/api/internal/store"
	"cogspace/api/internal/transform"
	"cogspace/api/internal/versioning"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Service is the surface the HTTP layer talks to.
type Service struct {
	store      Pinger
	cache      Pinger
	artifacts  *artifact.Service
	versions   *versioning.Manager
	transforms *transform.Engine
	mirror     *gitrepo.Mirror
}

type Deps struct {
	Store      Pinger
	Cache      Pinger
	Artifacts  *artifact.Service
	Versions   *versioning.Manager
	Transforms *transform.Engine
	Mirror     *gitrepo.Mirror
}

func New(deps Deps) *Service {
	return &Service{
		store:      deps.Store,
		cache:      deps.Cache,
		artifacts:  deps.Artifacts,
		versions:   deps.Versions,
		transforms: deps.Transforms,
		mirror:     deps.Mirror,
	}
}

// Ready reports the status of every backing dependency.
func (s *Service) Ready(ctx context.Context) (map[string]error, bool) {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.cache != nil {
		checks["redis"] = s.cache.Ping(ctx)
	}
	for _, err := range checks {
		if err != nil {
			return checks, false
		}
	}
	return checks, true
}

func (s *Service) CreateArtifact(ctx context.Context, in artifact.CreateInput) (store.Artifact, error) {
	return s.artifacts.Create(ctx, in)
}

func (s *Service) GetArtifact(ctx context.Context, artifactID string) (store.Artifact, error) {
	return s.artifacts.Get(ctx, artifactID)
}

func (s *Service) SetState(ctx context.Context, artifactID string, to store.State, actorID string) (store.Artifact, error) {
	return s.artifacts.SetState(ctx, artifactID, to, actorID)
}

// ListArtifacts collects at most limit artifacts from the lazy listing.
func (s *Service) ListArtifacts(ctx context.Context, projectID string, kind store.Kind, limit int) ([]store.Artifact, error) {
	return collect(s.artifacts.List(ctx, projectID, kind), limit)
}

type CommitInput struct {
	BasedOn    int           `json:"basedOn"`
	Content    store.Content `json:"content"`
	Transition store.State   `json:"transition"`
}

func (s *Service) CommitVersion(ctx context.Context, artifactID, actorID string, in CommitInput) (versioning.Committed, error) {
	return s.versions.Commit(ctx, versioning.CommitRequest{
		ArtifactID: artifactID,
		BasedOn:    in.BasedOn,
		Content:    in.Content,
		CreatorID:  actorID,
		Transition: in.Transition,
	})
}

func (s *Service) GetVersion(ctx context.Context, artifactID string, number int) (store.Version, error) {
	return s.versions.GetVersion(ctx, artifactID, number)
}

func (s *Service) GetLatestVersion(ctx context.Context, artifactID string) (store.Version, error) {
	return s.versions.GetLatestVersion(ctx, artifactID)
}

// ListVersions returns version headers after the given number, at most limit.
func (s *Service) ListVersions(ctx context.Context, artifactID string, after, limit int) ([]store.VersionHeader, error) {
	items := make([]store.VersionHeader, 0)
	for ref, err := range s.versions.ListVersionsAfter(ctx, artifactID, after) {
		if err != nil {
			return nil, err
		}
		items = append(items, ref.VersionHeader)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (s *Service) Diff(ctx context.Context, artifactID string, from, to int) ([]versioning.Change, error) {
	return s.versions.DiffVersions(ctx, artifactID, from, to)
}

type TransformInput struct {
	SourceVersion  int           `json:"sourceVersion"`
	RuleSetID      string        `json:"ruleSetId"`
	InitialContent store.Content `json:"initialContent"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
}

func (s *Service) Transform(ctx context.Context, sourceID, actorID string, in TransformInput) (transform.Result, error) {
	return s.transforms.Transform(ctx, transform.Request{
		SourceArtifactID: sourceID,
		SourceVersion:    in.SourceVersion,
		RuleSetID:        in.RuleSetID,
		InitialContent:   in.InitialContent,
		CreatorID:        actorID,
		Title:            in.Title,
		Description:      in.Description,
	})
}

func (s *Service) Refine(ctx context.Context, artifactID, actorID string, in CommitInput) (store.Version, error) {
	return s.transforms.Refine(ctx, artifactID, in.BasedOn, in.Content, actorID)
}

func (s *Service) GetLineage(ctx context.Context, artifactID string) (store.TransformationLink, error) {
	return s.transforms.GetLineage(ctx, artifactID)
}

// MirrorHistory reads the git mirror of an artifact, newest first.
func (s *Service) MirrorHistory(ctx context.Context, artifactID string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.mirror == nil {
		return nil, apperr.NotFound("git mirror is not enabled")
	}
	if _, err := s.artifacts.Get(ctx, artifactID); err != nil {
		return nil, err
	}
	history, err := s.mirror.History(artifactID, limit)
	if err != nil {
		return nil, fmt.Errorf("mirror history: %w", err)
	}
	return history, nil
}

func collect[T any](seq iter.Seq2[T, error], limit int) ([]T, error) {
	items := make([]T, 0)
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}
