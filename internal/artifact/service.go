// Package artifact owns artifact identity, kind and lifecycle state.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"cogspace/api/internal/apperr"
	"cogspace/api/internal/events"
	"cogspace/api/internal/logging"
	"cogspace/api/internal/metrics"
	"cogspace/api/internal/store"
	"cogspace/api/internal/util"
	"github.com/go-playground/validator/v10"
)

// PageSize is how many rows a listing fetches per round trip.
const PageSize = 100

type Store interface {
	InsertArtifact(ctx context.Context, item store.Artifact) error
	GetArtifact(ctx context.Context, artifactID string) (store.Artifact, error)
	UpdateArtifactState(ctx context.Context, artifactID string, from, to store.State, at time.Time) (bool, error)
	ListArtifacts(ctx context.Context, projectID string, kind store.Kind, after store.ArtifactCursor, limit int) ([]store.Artifact, error)
}

type Service struct {
	store    Store
	bus      *events.Bus
	validate *validator.Validate
	now      func() time.Time
}

func NewService(st Store, bus *events.Bus) *Service {
	return &Service{
		store:    st,
		bus:      bus,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	Kind        store.Kind `json:"kind" validate:"required,oneof=cognitive intellectual"`
	ProjectID   string     `json:"projectId" validate:"required,max=128"`
	CreatorID   string     `json:"creatorId" validate:"required,max=128"`
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=1000"`
}

// Normalize trims surrounding whitespace so a blank title fails validation.
func (in CreateInput) Normalize() CreateInput {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.CreatorID = strings.TrimSpace(in.CreatorID)
	return in
}

// Build validates the input and returns the Draft artifact it describes
// without persisting it.
func (s *Service) Build(in CreateInput) (store.Artifact, error) {
	in = in.Normalize()
	if err := s.validate.Struct(in); err != nil {
		return store.Artifact{}, validationError(err)
	}
	now := s.now()
	return store.Artifact{
		ID:          util.NewID("art"),
		Title:       in.Title,
		Description: in.Description,
		Kind:        in.Kind,
		ProjectID:   in.ProjectID,
		CreatorID:   in.CreatorID,
		State:       store.StateDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (store.Artifact, error) {
	item, err := s.Build(in)
	if err != nil {
		return store.Artifact{}, err
	}
	if err := s.store.InsertArtifact(ctx, item); err != nil {
		return store.Artifact{}, fmt.Errorf("create artifact: %w", err)
	}

	metrics.ArtifactsCreated.WithLabelValues(string(item.Kind)).Inc()
	ctx = logging.WithValue(ctx, logging.ArtifactIDKey, item.ID)
	logging.Info(ctx, "artifact created", "kind", string(item.Kind), "project_id", item.ProjectID)
	s.Announce(ctx, item)
	return item, nil
}

// Announce publishes artifact.created for an artifact persisted elsewhere.
func (s *Service) Announce(ctx context.Context, item store.Artifact) {
	s.bus.Emit(ctx, events.Event{
		ID:         util.NewID("evt"),
		Type:       events.ArtifactCreated,
		ArtifactID: item.ID,
		ActorID:    item.CreatorID,
		Data: map[string]any{
			"kind":      string(item.Kind),
			"projectId": item.ProjectID,
			"title":     item.Title,
		},
	})
}

func (s *Service) Get(ctx context.Context, artifactID string) (store.Artifact, error) {
	item, err := s.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Artifact{}, apperr.NotFound("artifact %s not found", artifactID)
	}
	if err != nil {
		return store.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return item, nil
}

// SetState applies an explicit lifecycle transition. The stored state is
// compared and swapped, so a concurrent change is re-evaluated against the
// new state rather than overwritten.
func (s *Service) SetState(ctx context.Context, artifactID string, to store.State, actorID string) (store.Artifact, error) {
	if !to.Valid() {
		return store.Artifact{}, apperr.Validation("unknown state %q", to)
	}
	for {
		item, err := s.Get(ctx, artifactID)
		if err != nil {
			return store.Artifact{}, err
		}
		if !CanSetState(item.State, to) {
			return store.Artifact{}, apperr.InvalidTransition(string(item.State), string(to))
		}

		now := s.now()
		ok, err := s.store.UpdateArtifactState(ctx, artifactID, item.State, to, now)
		if err != nil {
			return store.Artifact{}, fmt.Errorf("set state: %w", err)
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return store.Artifact{}, err
			}
			continue
		}

		from := item.State
		item.State = to
		item.UpdatedAt = now
		metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
		s.StateChanged(ctx, item.ID, actorID, from, to)
		return item, nil
	}
}

// StateChanged publishes artifact.state_changed.
func (s *Service) StateChanged(ctx context.Context, artifactID, actorID string, from, to store.State) {
	s.bus.Emit(ctx, events.Event{
		ID:         util.NewID("evt"),
		Type:       events.StateChanged,
		ArtifactID: artifactID,
		ActorID:    actorID,
		Data:       map[string]any{"from": string(from), "to": string(to)},
	})
}

// List yields a project's artifacts in creation order, optionally restricted
// to one kind. Rows are fetched a page at a time as the caller advances.
func (s *Service) List(ctx context.Context, projectID string, kind store.Kind) iter.Seq2[store.Artifact, error] {
	return func(yield func(store.Artifact, error) bool) {
		if kind != "" && !kind.Valid() {
			yield(store.Artifact{}, apperr.Validation("unknown artifact kind %q", kind))
			return
		}
		var cursor store.ArtifactCursor
		for {
			page, err := s.store.ListArtifacts(ctx, projectID, kind, cursor, PageSize)
			if err != nil {
				yield(store.Artifact{}, fmt.Errorf("list artifacts: %w", err))
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < PageSize {
				return
			}
			last := page[len(page)-1]
			cursor = store.ArtifactCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Validation("%v", err)
	}
	details := make(map[string]string, len(fieldErrs))
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		details[field] = rule
		messages = append(messages, field+" "+rule)
	}
	appErr := apperr.Validation("invalid artifact: %s", strings.Join(messages, ", "))
	appErr.Details = details
	return appErr
}
