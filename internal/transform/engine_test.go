package transform

import (
	"context"
	"errors"
	"testing"

	"cogspace/api/internal/apperr"
	"cogspace/api/internal/artifact"
	"cogspace/api/internal/events"
	"cogspace/api/internal/store"
	"cogspace/api/internal/store/storetest"
	"cogspace/api/internal/versioning"
)

type faultTx struct {
	store.Tx
	versionErr          error
	linkErr             error
	afterInsertArtifact func()
}

func (t faultTx) InsertArtifact(ctx context.Context, item store.Artifact) error {
	if err := t.Tx.InsertArtifact(ctx, item); err != nil {
		return err
	}
	if t.afterInsertArtifact != nil {
		t.afterInsertArtifact()
	}
	return nil
}

func (t faultTx) InsertVersion(ctx context.Context, version store.Version) error {
	if t.versionErr != nil {
		return t.versionErr
	}
	return t.Tx.InsertVersion(ctx, version)
}

func (t faultTx) InsertLink(ctx context.Context, link store.TransformationLink) error {
	if t.linkErr != nil {
		return t.linkErr
	}
	return t.Tx.InsertLink(ctx, link)
}

// faultStore injects failures into the writes of every transaction.
type faultStore struct {
	*store.SQLStore
	versionErr          error
	linkErr             error
	afterInsertArtifact func()
}

func (s *faultStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.SQLStore.InTx(ctx, func(tx store.Tx) error {
		return fn(faultTx{
			Tx:                  tx,
			versionErr:          s.versionErr,
			linkErr:             s.linkErr,
			afterInsertArtifact: s.afterInsertArtifact,
		})
	})
}

type fixture struct {
	store     *faultStore
	artifacts *artifact.Service
	versions  *versioning.Manager
	engine    *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	fs := &faultStore{SQLStore: storetest.Open(t)}
	bus := events.NewBus()
	artifacts := artifact.NewService(fs.SQLStore, bus)
	versions := versioning.NewManager(fs.SQLStore, nil, bus)
	return fixture{
		store:     fs,
		artifacts: artifacts,
		versions:  versions,
		engine:    NewEngine(fs, artifacts, versions, bus),
	}
}

func (f fixture) seedCognitive(t *testing.T, content store.Content) store.Artifact {
	t.Helper()
	ctx := context.Background()
	item, err := f.artifacts.Create(ctx, artifact.CreateInput{
		Kind:      store.KindCognitive,
		ProjectID: "proj-1",
		CreatorID: "user-1",
		Title:     "Research Plan",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.versions.CommitVersion(ctx, item.ID, 0, content, "user-1"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	return item
}

func (f fixture) countArtifacts(t *testing.T) int {
	t.Helper()
	n := 0
	for _, err := range f.artifacts.List(context.Background(), "proj-1", "") {
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		n++
	}
	return n
}

func TestTransformCreatesArtifactVersionAndLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.seedCognitive(t, store.Content{"summary": "draft"})

	res, err := f.engine.Transform(ctx, Request{
		SourceArtifactID: source.ID,
		SourceVersion:    1,
		RuleSetID:        "report-v1",
		InitialContent:   store.Content{"report": "Draft report"},
		CreatorID:        "user-2",
	})
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if res.Artifact.Kind != store.KindIntellectual || res.Artifact.ProjectID != "proj-1" {
		t.Fatalf("unexpected target artifact: %+v", res.Artifact)
	}
	if res.Artifact.Title != "Research Plan" || res.Artifact.LatestVersion != 1 {
		t.Fatalf("unexpected target artifact: %+v", res.Artifact)
	}
	if res.Version.Number != 1 || res.Version.Content["report"] != "Draft report" {
		t.Fatalf("unexpected target version: %+v", res.Version)
	}

	link, err := f.engine.GetLineage(ctx, res.Artifact.ID)
	if err != nil {
		t.Fatalf("GetLineage() error = %v", err)
	}
	if link.SourceArtifactID != source.ID || link.SourceVersion != 1 || link.RuleSetID != "report-v1" {
		t.Fatalf("unexpected link: %+v", link)
	}
	sourceVersion, _ := f.versions.GetVersion(ctx, source.ID, 1)
	if link.SourceContentHash != sourceVersion.ContentHash {
		t.Fatalf("link hash %s, want %s", link.SourceContentHash, sourceVersion.ContentHash)
	}
}

func TestRefineKeepsLineageAndSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.seedCognitive(t, store.Content{"summary": "draft"})
	res, err := f.engine.Transform(ctx, Request{
		SourceArtifactID: source.ID,
		SourceVersion:    1,
		RuleSetID:        "report-v1",
		InitialContent:   store.Content{"report": "v1"},
		CreatorID:        "user-2",
	})
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}

	refined, err := f.engine.Refine(ctx, res.Artifact.ID, 1, store.Content{"report": "v2"}, "user-2")
	if err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if refined.Number != 2 {
		t.Fatalf("refined version = %d, want 2", refined.Number)
	}

	// The source keeps evolving; lineage stays pinned to version 1.
	if _, err := f.versions.CommitVersion(ctx, source.ID, 1, store.Content{"summary": "later"}, "user-1"); err != nil {
		t.Fatalf("CommitVersion(source) error = %v", err)
	}

	link, err := f.engine.GetLineage(ctx, res.Artifact.ID)
	if err != nil {
		t.Fatalf("GetLineage() error = %v", err)
	}
	if link.SourceVersion != 1 {
		t.Fatalf("lineage source version = %d, want 1", link.SourceVersion)
	}
	pinned, err := f.versions.GetVersion(ctx, source.ID, link.SourceVersion)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if pinned.Content["summary"] != "draft" || pinned.ContentHash != link.SourceContentHash {
		t.Fatalf("lineage content drifted: %+v", pinned.Content)
	}

	sourceNow, _ := f.artifacts.Get(ctx, source.ID)
	if sourceNow.Kind != store.KindCognitive || sourceNow.LatestVersion != 2 {
		t.Fatalf("refine must not touch the source: %+v", sourceNow)
	}

	if _, err := f.engine.Refine(ctx, source.ID, 2, store.Content{}, "user-1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Refine(cognitive) error = %v, want validation", err)
	}
}

func TestTransformRejectsNonCognitiveSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.seedCognitive(t, store.Content{"summary": "draft"})
	res, err := f.engine.Transform(ctx, Request{
		SourceArtifactID: source.ID, SourceVersion: 1, RuleSetID: "r", InitialContent: store.Content{}, CreatorID: "u",
	})
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}

	_, err = f.engine.Transform(ctx, Request{
		SourceArtifactID: res.Artifact.ID, SourceVersion: 1, RuleSetID: "r", InitialContent: store.Content{}, CreatorID: "u",
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Transform(intellectual) error = %v, want validation", err)
	}
	if n := f.countArtifacts(t); n != 2 {
		t.Fatalf("artifact count = %d, want 2", n)
	}
}

func TestTransformMissingSourceVersion(t *testing.T) {
	f := newFixture(t)
	source := f.seedCognitive(t, store.Content{"summary": "draft"})
	cases := []Request{
		{SourceArtifactID: source.ID, SourceVersion: 2, RuleSetID: "r", CreatorID: "u"},
		{SourceArtifactID: source.ID, SourceVersion: 0, RuleSetID: "r", CreatorID: "u"},
		{SourceArtifactID: "art_missing", SourceVersion: 1, RuleSetID: "r", CreatorID: "u"},
	}
	for _, req := range cases {
		if _, err := f.engine.Transform(context.Background(), req); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("Transform(%+v) error = %v, want not found", req, err)
		}
	}
}

func TestTransformCompletesWhenCancelledMidTransaction(t *testing.T) {
	f := newFixture(t)
	source := f.seedCognitive(t, store.Content{"summary": "draft"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.store.afterInsertArtifact = cancel

	res, err := f.engine.Transform(ctx, Request{
		SourceArtifactID: source.ID,
		SourceVersion:    1,
		RuleSetID:        "report-v1",
		InitialContent:   store.Content{"report": "x"},
		CreatorID:        "user-2",
	})
	if err != nil {
		t.Fatalf("Transform() error = %v, want the started transaction to complete", err)
	}
	if ctx.Err() == nil {
		t.Fatal("expected caller context to be cancelled during the transaction")
	}
	link, err := f.engine.GetLineage(context.Background(), res.Artifact.ID)
	if err != nil {
		t.Fatalf("GetLineage() error = %v", err)
	}
	if link.SourceArtifactID != source.ID {
		t.Fatalf("unexpected link: %+v", link)
	}
	if n := f.countArtifacts(t); n != 2 {
		t.Fatalf("artifact count = %d, want source and target", n)
	}
}

func TestTransformRollsBackOnLinkFailure(t *testing.T) {
	f := newFixture(t)
	source := f.seedCognitive(t, store.Content{"summary": "draft"})
	f.store.linkErr = errors.New("injected link failure")

	_, err := f.engine.Transform(context.Background(), Request{
		SourceArtifactID: source.ID,
		SourceVersion:    1,
		RuleSetID:        "report-v1",
		InitialContent:   store.Content{"report": "x"},
		CreatorID:        "user-2",
	})
	if !errors.Is(err, apperr.ErrInternal) {
		t.Fatalf("Transform() error = %v, want internal consistency", err)
	}
	if n := f.countArtifacts(t); n != 1 {
		t.Fatalf("artifact count = %d, want only the source", n)
	}
}

func TestTransformRollsBackOnVersionFailure(t *testing.T) {
	f := newFixture(t)
	source := f.seedCognitive(t, store.Content{"summary": "draft"})
	f.store.versionErr = errors.New("injected version failure")

	_, err := f.engine.Transform(context.Background(), Request{
		SourceArtifactID: source.ID,
		SourceVersion:    1,
		RuleSetID:        "report-v1",
		InitialContent:   store.Content{"report": "x"},
		CreatorID:        "user-2",
	})
	if !errors.Is(err, apperr.ErrInternal) {
		t.Fatalf("Transform() error = %v, want internal consistency", err)
	}
	if n := f.countArtifacts(t); n != 1 {
		t.Fatalf("artifact count = %d, want only the source", n)
	}
}

func TestGetLineageOfAuthoredArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.seedCognitive(t, store.Content{"summary": "draft"})

	if _, err := f.engine.GetLineage(ctx, source.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetLineage(authored) error = %v, want not found", err)
	}
	if _, err := f.engine.GetLineage(ctx, "art_missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetLineage(missing) error = %v, want not found", err)
	}
}

func TestTransformFromArchivedSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.seedCognitive(t, store.Content{"summary": "draft"})
	for _, to := range []store.State{store.StateReview, store.StateFinalized, store.StateArchived} {
		if _, err := f.artifacts.SetState(ctx, source.ID, to, "user-1"); err != nil {
			t.Fatalf("SetState(%s) error = %v", to, err)
		}
	}
	if _, err := f.engine.Transform(ctx, Request{
		SourceArtifactID: source.ID, SourceVersion: 1, RuleSetID: "r", InitialContent: store.Content{"a": 1}, CreatorID: "u",
	}); err != nil {
		t.Fatalf("Transform(archived source) error = %v", err)
	}
}
