package app

import (
	"errors"
	"net/http"

	"cogspace/api/internal/apperr"
	"cogspace/api/internal/versioning"
)

// mapError turns a core error into the HTTP status, code, message and
// details the API responds with. Unknown errors never leak their text.
func mapError(err error) (status int, code, message string, details any) {
	var conflict *versioning.EditConflict
	if errors.As(err, &conflict) {
		return http.StatusConflict, string(apperr.KindConflict), conflict.Error(), map[string]any{
			"basedOn":   conflict.BasedOn,
			"attempted": conflict.Attempted,
			"current":   conflict.Current,
		}
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Kind == apperr.KindInternal {
			return http.StatusInternalServerError, string(appErr.Kind), "Internal consistency error", nil
		}
		return apperr.HTTPStatus(appErr.Kind), string(appErr.Kind), appErr.Message, appErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
