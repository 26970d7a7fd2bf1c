package versioning

import (
	"fmt"

	"cogspace/api/internal/apperr"
	"cogspace/api/internal/store"
)

// EditConflict is returned when a commit was based on a version that is no
// longer the artifact's latest. It carries both contending contents so the
// caller can merge without another read.
type EditConflict struct {
	ArtifactID string
	BasedOn    int
	Attempted  store.Content
	Current    store.Version
}

func (e *EditConflict) Error() string {
	return fmt.Sprintf("edit conflict on artifact %s: based on version %d but latest is %d",
		e.ArtifactID, e.BasedOn, e.Current.Number)
}

func (e *EditConflict) ErrorKind() apperr.Kind {
	return apperr.KindConflict
}

// Is lets errors.Is(err, apperr.ErrConflict) match.
func (e *EditConflict) Is(target error) bool {
	t, ok := target.(*apperr.Error)
	return ok && t.Kind == apperr.KindConflict
}
