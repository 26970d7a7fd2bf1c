package versioning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"cogspace/api/internal/apperr"
	"cogspace/api/internal/artifact"
	"cogspace/api/internal/events"
	"cogspace/api/internal/logging"
	"cogspace/api/internal/store"
	"cogspace/api/internal/store/storetest"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) count(typ events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, event := range s.events {
		if event.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	store     *store.SQLStore
	artifacts *artifact.Service
	manager   *Manager
	sink      *recordingSink
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := storetest.Open(t)
	sink := &recordingSink{}
	bus := events.NewBus(sink)
	return fixture{
		store:     st,
		artifacts: artifact.NewService(st, bus),
		manager:   NewManager(st, nil, bus),
		sink:      sink,
	}
}

func (f fixture) createArtifact(t *testing.T, title string) store.Artifact {
	t.Helper()
	item, err := f.artifacts.Create(context.Background(), artifact.CreateInput{
		Kind:      store.KindCognitive,
		ProjectID: "proj-1",
		CreatorID: "user-1",
		Title:     title,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return item
}

func TestCommitFirstVersionMovesDraftToInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Research Plan")

	version, err := f.manager.CommitVersion(ctx, item.ID, 0, store.Content{"summary": "draft"}, "user-1")
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if version.Number != 1 || version.ParentVersion != nil {
		t.Fatalf("unexpected version: %+v", version.VersionHeader)
	}
	expectedHash, _ := store.Content{"summary": "draft"}.Hash()
	if version.ContentHash != expectedHash {
		t.Fatalf("ContentHash = %s, want %s", version.ContentHash, expectedHash)
	}

	got, err := f.artifacts.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != store.StateInProgress || got.LatestVersion != 1 {
		t.Fatalf("unexpected artifact after commit: %+v", got)
	}
	if f.sink.count(events.VersionAdded) != 1 || f.sink.count(events.StateChanged) != 1 {
		t.Fatalf("unexpected events: %+v", f.sink.events)
	}

	second, err := f.manager.CommitVersion(ctx, item.ID, 1, store.Content{"summary": "revised"}, "user-2")
	if err != nil {
		t.Fatalf("CommitVersion(2) error = %v", err)
	}
	if second.Number != 2 || second.ParentVersion == nil || *second.ParentVersion != 1 {
		t.Fatalf("unexpected second version: %+v", second.VersionHeader)
	}
	if f.sink.count(events.StateChanged) != 1 {
		t.Fatal("in_progress -> in_progress must not emit state_changed")
	}
}

func TestStaleCommitReturnsEditConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Research Plan")

	if _, err := f.manager.CommitVersion(ctx, item.ID, 0, store.Content{"summary": "draft"}, "user-1"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}

	attempted := store.Content{"summary": "other session"}
	_, err := f.manager.CommitVersion(ctx, item.ID, 0, attempted, "user-2")
	var conflict *EditConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("CommitVersion() error = %v, want *EditConflict", err)
	}
	if !errors.Is(err, apperr.ErrConflict) || apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("EditConflict must match the conflict kind: %v", err)
	}
	if conflict.Current.Number != 1 || conflict.Current.Content["summary"] != "draft" {
		t.Fatalf("unexpected current version in conflict: %+v", conflict.Current)
	}
	if conflict.Attempted["summary"] != "other session" || conflict.BasedOn != 0 {
		t.Fatalf("unexpected attempted data in conflict: %+v", conflict)
	}

	got, _ := f.artifacts.Get(ctx, item.ID)
	if got.LatestVersion != 1 {
		t.Fatalf("conflict must not persist: latest = %d", got.LatestVersion)
	}

	retried, err := f.manager.CommitVersion(ctx, item.ID, conflict.Current.Number, attempted, "user-2")
	if err != nil {
		t.Fatalf("retry after conflict error = %v", err)
	}
	if retried.Number != 2 {
		t.Fatalf("retry version = %d, want 2", retried.Number)
	}
}

func TestCommitAheadOfLatestIsValidationError(t *testing.T) {
	f := newFixture(t)
	item := f.createArtifact(t, "Plan")
	_, err := f.manager.CommitVersion(context.Background(), item.ID, 3, store.Content{}, "user-1")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("CommitVersion() error = %v, want validation", err)
	}
}

func TestCommitMissingArtifactIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.CommitVersion(context.Background(), "art_missing", 0, store.Content{}, "user-1")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("CommitVersion() error = %v, want not found", err)
	}
}

func TestCommitRejectsNonWritableStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")
	if _, err := f.manager.CommitVersion(ctx, item.ID, 0, store.Content{"a": 1}, "user-1"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}

	for _, to := range []store.State{store.StateReview, store.StateFinalized, store.StateArchived} {
		if _, err := f.artifacts.SetState(ctx, item.ID, to, "user-1"); err != nil {
			t.Fatalf("SetState(%s) error = %v", to, err)
		}
		_, err := f.manager.CommitVersion(ctx, item.ID, 1, store.Content{"a": 2}, "user-1")
		if !errors.Is(err, apperr.ErrInvalidTransition) {
			t.Fatalf("commit in %s error = %v, want invalid transition", to, err)
		}
	}

	if _, err := f.artifacts.SetState(ctx, item.ID, store.StateInProgress, "user-1"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("archived -> in_progress error = %v, want invalid transition", err)
	}
	latest, err := f.manager.GetLatestVersion(ctx, item.ID)
	if err != nil {
		t.Fatalf("reads must remain available after archive: %v", err)
	}
	if latest.Number != 1 {
		t.Fatalf("latest = %d, want 1", latest.Number)
	}
}

func TestCommitWithTransitionIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")

	res, err := f.manager.Commit(ctx, CommitRequest{
		ArtifactID: item.ID,
		Content:    store.Content{"summary": "ready"},
		CreatorID:  "user-1",
		Transition: store.StateReview,
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if res.Artifact.State != store.StateReview || res.Previous != store.StateDraft {
		t.Fatalf("unexpected commit result: %+v", res.Artifact)
	}

	item2 := f.createArtifact(t, "Plan 2")
	_, err = f.manager.Commit(ctx, CommitRequest{
		ArtifactID: item2.ID,
		Content:    store.Content{"summary": "x"},
		CreatorID:  "user-1",
		Transition: store.StateFinalized,
	})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("Commit(finalized) error = %v, want invalid transition", err)
	}
	got, _ := f.artifacts.Get(ctx, item2.ID)
	if got.LatestVersion != 0 || got.State != store.StateDraft {
		t.Fatalf("rejected transition must not persist the version: %+v", got)
	}
}

func TestConcurrentCommitsSameBaseExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")

	const writers = 8
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.manager.CommitVersion(ctx, item.ID, 0, store.Content{"writer": i}, fmt.Sprintf("user-%d", i))
			var conflict *EditConflict
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &conflict):
				conflicts.Add(1)
			default:
				t.Errorf("CommitVersion() unexpected error = %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != writers-1 {
		t.Fatalf("wins = %d, conflicts = %d; want 1 and %d", wins.Load(), conflicts.Load(), writers-1)
	}
}

func TestConcurrentRetryingWritersProduceGapFreeHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")

	const writers, perWriter = 4, 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				basedOn := 0
				if latest, err := f.manager.GetLatestVersion(ctx, item.ID); err == nil {
					basedOn = latest.Number
				}
				for {
					_, err := f.manager.CommitVersion(ctx, item.ID, basedOn, store.Content{"w": w, "i": i}, "user")
					if err == nil {
						break
					}
					var conflict *EditConflict
					if !errors.As(err, &conflict) {
						t.Errorf("CommitVersion() error = %v", err)
						return
					}
					basedOn = conflict.Current.Number
				}
			}
		}(w)
	}
	wg.Wait()

	expected := 1
	for ref, err := range f.manager.ListVersions(ctx, item.ID) {
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}
		if ref.Number != expected {
			t.Fatalf("version number %d, want %d", ref.Number, expected)
		}
		expected++
	}
	if expected-1 != writers*perWriter {
		t.Fatalf("history length = %d, want %d", expected-1, writers*perWriter)
	}
}

func TestCancelledContextHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	item := f.createArtifact(t, "Plan")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.manager.CommitVersion(ctx, item.ID, 0, store.Content{"a": 1}, "user-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("CommitVersion() error = %v, want context.Canceled", err)
	}
	got, _ := f.artifacts.Get(context.Background(), item.ID)
	if got.LatestVersion != 0 {
		t.Fatalf("cancelled commit persisted version %d", got.LatestVersion)
	}
}

func TestCommittedContentIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")
	content := store.Content{"summary": "draft", "nested": map[string]any{"k": "v"}}

	version, err := f.manager.CommitVersion(ctx, item.ID, 0, content, "user-1")
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	content["summary"] = "mutated by caller"
	content["nested"].(map[string]any)["k"] = "mutated"
	version.Content["summary"] = "mutated copy"

	if _, err := f.manager.CommitVersion(ctx, item.ID, 1, store.Content{"summary": "v2"}, "user-1"); err != nil {
		t.Fatalf("CommitVersion(2) error = %v", err)
	}

	stored, err := f.manager.GetVersion(ctx, item.ID, 1)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if stored.Content["summary"] != "draft" || stored.Content["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("stored content changed: %+v", stored.Content)
	}
	hash, _ := stored.Content.Hash()
	if hash != stored.ContentHash {
		t.Fatal("stored hash does not match content")
	}
}

func TestGetVersionOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")

	for _, n := range []int{-1, 0, 1} {
		if _, err := f.manager.GetVersion(ctx, item.ID, n); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("GetVersion(%d) error = %v, want not found", n, err)
		}
	}
	if _, err := f.manager.GetLatestVersion(ctx, item.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetLatestVersion() on empty artifact error = %v, want not found", err)
	}
	if _, err := f.manager.GetLatestVersion(ctx, "art_missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetLatestVersion(missing) error = %v, want not found", err)
	}
}

func TestListVersionsPagesAndLoadsContentLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")

	total := PageSize + 5
	for i := 0; i < total; i++ {
		if _, err := f.manager.CommitVersion(ctx, item.ID, i, store.Content{"n": i}, "user-1"); err != nil {
			t.Fatalf("CommitVersion(%d) error = %v", i, err)
		}
	}

	count := 0
	for ref, err := range f.manager.ListVersions(ctx, item.ID) {
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}
		count++
		if ref.Number != count {
			t.Fatalf("ref.Number = %d, want %d", ref.Number, count)
		}
		if count == total {
			content, err := ref.Content(ctx)
			if err != nil {
				t.Fatalf("Content() error = %v", err)
			}
			if fmt.Sprint(content["n"]) != fmt.Sprint(total-1) {
				t.Fatalf("content n = %v, want %d", content["n"], total-1)
			}
		}
	}
	if count != total {
		t.Fatalf("ListVersions() yielded %d, want %d", count, total)
	}

	for _, err := range f.manager.ListVersions(ctx, "art_missing") {
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("ListVersions(missing) error = %v, want not found", err)
		}
	}
}

type pageRecordingStore struct {
	*store.SQLStore
	afters []int
}

func (s *pageRecordingStore) ListVersionHeaders(ctx context.Context, artifactID string, after, limit int) ([]store.VersionHeader, error) {
	s.afters = append(s.afters, after)
	return s.SQLStore.ListVersionHeaders(ctx, artifactID, after, limit)
}

func TestListVersionsAfterStartsAtKeyset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")
	for i := 0; i < 5; i++ {
		if _, err := f.manager.CommitVersion(ctx, item.ID, i, store.Content{"n": i}, "user-1"); err != nil {
			t.Fatalf("CommitVersion(%d) error = %v", i, err)
		}
	}

	rs := &pageRecordingStore{SQLStore: f.store}
	manager := NewManager(rs, nil, events.NewBus())
	var numbers []int
	for ref, err := range manager.ListVersionsAfter(ctx, item.ID, 3) {
		if err != nil {
			t.Fatalf("ListVersionsAfter() error = %v", err)
		}
		numbers = append(numbers, ref.Number)
	}
	if fmt.Sprint(numbers) != "[4 5]" {
		t.Fatalf("ListVersionsAfter(3) = %v, want [4 5]", numbers)
	}
	if len(rs.afters) != 1 || rs.afters[0] != 3 {
		t.Fatalf("store queried with after = %v, want [3]", rs.afters)
	}
}

type countingCache struct {
	mu      sync.Mutex
	entries map[string]store.Version
	puts    int
	hits    int
}

func (c *countingCache) Get(ctx context.Context, artifactID string, number int, load func(context.Context) (store.Version, error)) (store.Version, error) {
	key := fmt.Sprintf("%s:%d", artifactID, number)
	c.mu.Lock()
	if version, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return version, nil
	}
	c.mu.Unlock()
	return load(ctx)
}

func (c *countingCache) Put(_ context.Context, version store.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]store.Version{}
	}
	c.entries[fmt.Sprintf("%s:%d", version.ArtifactID, version.Number)] = version
	c.puts++
}

func TestCommitWarmsCache(t *testing.T) {
	f := newFixture(t)
	cache := &countingCache{}
	manager := NewManager(f.store, cache, nil)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")

	if _, err := manager.CommitVersion(ctx, item.ID, 0, store.Content{"a": 1}, "user-1"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if _, err := manager.GetVersion(ctx, item.ID, 1); err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if cache.puts != 1 || cache.hits != 1 {
		t.Fatalf("puts = %d, hits = %d; want 1 and 1", cache.puts, cache.hits)
	}
}

func TestDiffVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.createArtifact(t, "Plan")
	if _, err := f.manager.CommitVersion(ctx, item.ID, 0, store.Content{"summary": "draft", "score": 1}, "u"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if _, err := f.manager.CommitVersion(ctx, item.ID, 1, store.Content{"summary": "final", "score": 1, "owner": "ana"}, "u"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}

	changes, err := f.manager.DiffVersions(ctx, item.ID, 1, 2)
	if err != nil {
		t.Fatalf("DiffVersions() error = %v", err)
	}
	if len(changes) != 2 || changes[0].Field != "owner" || changes[1].Field != "summary" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestCommitLogsArtifactIDOnce(t *testing.T) {
	var buf bytes.Buffer
	logging.InitWriter(&buf, "info", "text")
	t.Cleanup(func() { logging.InitWriter(io.Discard, "info", "text") })

	f := newFixture(t)
	item := f.createArtifact(t, "Plan")
	if _, err := f.manager.CommitVersion(context.Background(), item.ID, 0, store.Content{"n": 1}, "user-1"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "version committed") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no commit log line in %q", buf.String())
	}
	if n := strings.Count(line, "artifact_id="); n != 1 {
		t.Fatalf("artifact_id logged %d times: %s", n, line)
	}
}
