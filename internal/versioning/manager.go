// Package versioning keeps the append-only, totally ordered version history
// of every artifact and arbitrates concurrent edits.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"cogspace/api/internal/apperr"
	"cogspace/api/internal/artifact"
	"cogspace/api/internal/events"
	"cogspace/api/internal/logging"
	"cogspace/api/internal/metrics"
	"cogspace/api/internal/store"
	"cogspace/api/internal/util"
)

// PageSize is how many version headers a listing fetches per round trip.
const PageSize = 100

type Store interface {
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
	GetArtifact(ctx context.Context, artifactID string) (store.Artifact, error)
	GetVersion(ctx context.Context, artifactID string, number int) (store.Version, error)
	ListVersionHeaders(ctx context.Context, artifactID string, after, limit int) ([]store.VersionHeader, error)
}

// Cache holds committed versions. Implementations must tolerate their backend
// being unavailable.
type Cache interface {
	Get(ctx context.Context, artifactID string, number int, load func(context.Context) (store.Version, error)) (store.Version, error)
	Put(ctx context.Context, version store.Version)
}

type Manager struct {
	store Store
	cache Cache
	bus   *events.Bus
	locks artifactLocks
	now   func() time.Time
}

// NewManager builds a Manager. cache and bus may be nil.
func NewManager(st Store, cache Cache, bus *events.Bus) *Manager {
	return &Manager{
		store: st,
		cache: cache,
		bus:   bus,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CommitRequest is one proposed content write. Transition optionally moves
// the artifact to another state in the same atomic step as the write.
type CommitRequest struct {
	ArtifactID string
	BasedOn    int
	Content    store.Content
	CreatorID  string
	Transition store.State
}

// Committed is the outcome of an accepted write.
type Committed struct {
	Version  store.Version
	Artifact store.Artifact
	Previous store.State
}

func (m *Manager) CommitVersion(ctx context.Context, artifactID string, basedOn int, content store.Content, creatorID string) (store.Version, error) {
	res, err := m.Commit(ctx, CommitRequest{
		ArtifactID: artifactID,
		BasedOn:    basedOn,
		Content:    content,
		CreatorID:  creatorID,
	})
	return res.Version, err
}

// Commit appends a version when req.BasedOn equals the artifact's latest
// version number. A stale BasedOn yields *EditConflict and persists nothing.
// Once the database transaction has begun, ctx cancellation no longer
// interrupts the commit.
func (m *Manager) Commit(ctx context.Context, req CommitRequest) (Committed, error) {
	if err := ctx.Err(); err != nil {
		return Committed{}, err
	}
	if err := validateRequest(req); err != nil {
		return Committed{}, err
	}
	ctx = logging.WithValue(ctx, logging.ArtifactIDKey, req.ArtifactID)

	lock := m.locks.get(req.ArtifactID)
	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return Committed{}, err
	}

	start := time.Now()
	var res Committed
	err := m.store.InTx(context.WithoutCancel(ctx), func(tx store.Tx) error {
		var err error
		res, err = m.CommitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return Committed{}, m.commitFailed(ctx, err)
	}

	metrics.VersionCommits.WithLabelValues("ok").Inc()
	metrics.VersionCommitDuration.Observe(time.Since(start).Seconds())
	m.Announce(ctx, res)
	return res, nil
}

// CommitTx performs the compare-and-swap write inside an open transaction.
// Callers that compose it with other writes must call Announce after their
// transaction commits.
func (m *Manager) CommitTx(ctx context.Context, tx store.Tx, req CommitRequest) (Committed, error) {
	ctx = context.WithoutCancel(ctx)
	item, err := tx.LockArtifact(ctx, req.ArtifactID)
	if errors.Is(err, store.ErrNotFound) {
		return Committed{}, apperr.NotFound("artifact %s not found", req.ArtifactID)
	}
	if err != nil {
		return Committed{}, err
	}
	if !artifact.CanWrite(item.State) {
		return Committed{}, apperr.InvalidTransition(string(item.State), string(store.StateInProgress))
	}

	switch {
	case req.BasedOn < item.LatestVersion:
		return Committed{}, conflictAt(ctx, tx, req, item.LatestVersion)
	case req.BasedOn > item.LatestVersion:
		return Committed{}, apperr.Validation("based-on version %d is ahead of latest version %d of artifact %s",
			req.BasedOn, item.LatestVersion, req.ArtifactID)
	}

	next := artifact.StateAfterWrite(item.State)
	if req.Transition != "" && req.Transition != next {
		if !artifact.CanSetState(next, req.Transition) {
			return Committed{}, apperr.InvalidTransition(string(next), string(req.Transition))
		}
		next = req.Transition
	}

	content, err := req.Content.Clone()
	if err != nil {
		return Committed{}, apperr.Validation("content is not serializable: %v", err)
	}
	hash, err := content.Hash()
	if err != nil {
		return Committed{}, apperr.Validation("content is not serializable: %v", err)
	}

	now := m.now()
	ok, err := tx.AdvanceHead(ctx, item.ID, item.LatestVersion, next, now)
	if err != nil {
		return Committed{}, err
	}
	if !ok {
		current, err := tx.GetArtifact(ctx, item.ID)
		if err != nil {
			return Committed{}, err
		}
		return Committed{}, conflictAt(ctx, tx, req, current.LatestVersion)
	}

	version := store.Version{
		VersionHeader: store.VersionHeader{
			ID:          util.NewID("ver"),
			ArtifactID:  item.ID,
			Number:      item.LatestVersion + 1,
			CreatorID:   req.CreatorID,
			ContentHash: hash,
			CreatedAt:   now,
		},
		Content: content,
	}
	if req.BasedOn > 0 {
		parent := req.BasedOn
		version.ParentVersion = &parent
	}
	if err := tx.InsertVersion(ctx, version); err != nil {
		return Committed{}, err
	}

	previous := item.State
	item.State = next
	item.LatestVersion = version.Number
	item.UpdatedAt = now
	return Committed{Version: version, Artifact: item, Previous: previous}, nil
}

func conflictAt(ctx context.Context, tx store.Tx, req CommitRequest, latest int) error {
	current, err := tx.GetVersion(ctx, req.ArtifactID, latest)
	if err != nil {
		return fmt.Errorf("load latest version for conflict: %w", err)
	}
	return &EditConflict{
		ArtifactID: req.ArtifactID,
		BasedOn:    req.BasedOn,
		Attempted:  req.Content,
		Current:    current,
	}
}

// Announce publishes the events for an accepted write and warms the cache.
func (m *Manager) Announce(ctx context.Context, res Committed) {
	ctx = logging.WithValue(ctx, logging.ArtifactIDKey, res.Version.ArtifactID)
	if m.cache != nil {
		m.cache.Put(context.WithoutCancel(ctx), res.Version)
	}
	logging.Info(ctx, "version committed",
		"version", res.Version.Number,
		"content_hash", res.Version.ContentHash,
	)
	m.bus.Emit(ctx, events.Event{
		ID:         util.NewID("evt"),
		Type:       events.VersionAdded,
		ArtifactID: res.Version.ArtifactID,
		ActorID:    res.Version.CreatorID,
		OccurredAt: res.Version.CreatedAt,
		Data: map[string]any{
			"version":     res.Version.Number,
			"contentHash": res.Version.ContentHash,
			"content":     map[string]any(res.Version.Content),
		},
	})
	if res.Previous != res.Artifact.State {
		metrics.StateTransitions.WithLabelValues(string(res.Previous), string(res.Artifact.State)).Inc()
		m.bus.Emit(ctx, events.Event{
			ID:         util.NewID("evt"),
			Type:       events.StateChanged,
			ArtifactID: res.Artifact.ID,
			ActorID:    res.Version.CreatorID,
			OccurredAt: res.Version.CreatedAt,
			Data:       map[string]any{"from": string(res.Previous), "to": string(res.Artifact.State)},
		})
	}
}

func (m *Manager) commitFailed(ctx context.Context, err error) error {
	var conflict *EditConflict
	switch {
	case errors.As(err, &conflict):
		metrics.VersionCommits.WithLabelValues("conflict").Inc()
		logging.Info(ctx, "edit conflict", "based_on", conflict.BasedOn, "latest", conflict.Current.Number)
		return err
	case apperr.KindOf(err) != "":
		metrics.VersionCommits.WithLabelValues("rejected").Inc()
		return err
	case errors.Is(err, store.ErrDuplicate):
		// The unique (artifact, number) key caught a writer that bypassed
		// the head compare-and-swap.
		metrics.VersionCommits.WithLabelValues("error").Inc()
		metrics.InternalErrors.WithLabelValues("commit").Inc()
		logging.Error(ctx, "duplicate version number rejected", err)
		return apperr.Internal(err, "version number already taken")
	case isAmbiguous(err):
		metrics.VersionCommits.WithLabelValues("error").Inc()
		metrics.InternalErrors.WithLabelValues("commit").Inc()
		logging.Error(ctx, "commit outcome unknown", err)
		return apperr.Internal(err, "commit outcome unknown")
	default:
		metrics.VersionCommits.WithLabelValues("error").Inc()
		return fmt.Errorf("commit version: %w", err)
	}
}

func isAmbiguous(err error) bool {
	var rollback *store.RollbackError
	return errors.As(err, &rollback) || errors.Is(err, store.ErrCommitUnknown)
}

func validateRequest(req CommitRequest) error {
	if strings.TrimSpace(req.ArtifactID) == "" {
		return apperr.Validation("artifact id is required")
	}
	if strings.TrimSpace(req.CreatorID) == "" {
		return apperr.Validation("creator id is required")
	}
	if req.BasedOn < 0 {
		return apperr.Validation("based-on version must not be negative")
	}
	if req.Transition != "" && !req.Transition.Valid() {
		return apperr.Validation("unknown state %q", req.Transition)
	}
	return nil
}

func (m *Manager) GetVersion(ctx context.Context, artifactID string, number int) (store.Version, error) {
	if number < 1 {
		return store.Version{}, apperr.NotFound("version %d of artifact %s not found", number, artifactID)
	}
	load := func(ctx context.Context) (store.Version, error) {
		return m.store.GetVersion(ctx, artifactID, number)
	}
	var (
		version store.Version
		err     error
	)
	if m.cache != nil {
		version, err = m.cache.Get(ctx, artifactID, number, load)
	} else {
		version, err = load(ctx)
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.Version{}, apperr.NotFound("version %d of artifact %s not found", number, artifactID)
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

func (m *Manager) GetLatestVersion(ctx context.Context, artifactID string) (store.Version, error) {
	item, err := m.getArtifact(ctx, artifactID)
	if err != nil {
		return store.Version{}, err
	}
	if item.LatestVersion == 0 {
		return store.Version{}, apperr.NotFound("artifact %s has no versions", artifactID)
	}
	return m.GetVersion(ctx, artifactID, item.LatestVersion)
}

func (m *Manager) getArtifact(ctx context.Context, artifactID string) (store.Artifact, error) {
	item, err := m.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Artifact{}, apperr.NotFound("artifact %s not found", artifactID)
	}
	if err != nil {
		return store.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return item, nil
}

// VersionRef is a version header whose content is read on demand.
type VersionRef struct {
	store.VersionHeader
	manager *Manager
}

func (r VersionRef) Content(ctx context.Context) (store.Content, error) {
	version, err := r.manager.GetVersion(ctx, r.ArtifactID, r.Number)
	if err != nil {
		return nil, err
	}
	return version.Content, nil
}

// ListVersions yields an artifact's versions in ascending order. Headers are
// fetched a page at a time; content is only read through VersionRef.Content.
func (m *Manager) ListVersions(ctx context.Context, artifactID string) iter.Seq2[VersionRef, error] {
	return m.ListVersionsAfter(ctx, artifactID, 0)
}

// ListVersionsAfter is ListVersions starting past version number after.
func (m *Manager) ListVersionsAfter(ctx context.Context, artifactID string, after int) iter.Seq2[VersionRef, error] {
	return func(yield func(VersionRef, error) bool) {
		if _, err := m.getArtifact(ctx, artifactID); err != nil {
			yield(VersionRef{}, err)
			return
		}
		for {
			page, err := m.store.ListVersionHeaders(ctx, artifactID, after, PageSize)
			if err != nil {
				yield(VersionRef{}, fmt.Errorf("list versions: %w", err))
				return
			}
			for _, header := range page {
				if !yield(VersionRef{VersionHeader: header, manager: m}, nil) {
					return
				}
			}
			if len(page) < PageSize {
				return
			}
			after = page[len(page)-1].Number
		}
	}
}

// DiffVersions loads two versions of one artifact and compares them.
func (m *Manager) DiffVersions(ctx context.Context, artifactID string, from, to int) ([]Change, error) {
	before, err := m.GetVersion(ctx, artifactID, from)
	if err != nil {
		return nil, err
	}
	after, err := m.GetVersion(ctx, artifactID, to)
	if err != nil {
		return nil, err
	}
	return Diff(before.Content, after.Content), nil
}
