// Package transport contains the HTTP router, middleware chain, and request
// handlers of the run API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pitabwire/dfrun/model"
)

// HTTPStatus returns the response status for an error code. Unknown codes
// are server errors.
func HTTPStatus(code string) int {
	switch code {
	case model.ErrBadRequest:
		return http.StatusBadRequest
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict, model.ErrRunNotRunnable:
		return http.StatusConflict
	case model.ErrValidationError, model.ErrResolutionError:
		return http.StatusUnprocessableEntity
	case model.ErrBackendUnavailable, model.ErrRemoteCallError:
		return http.StatusBadGateway
	case model.ErrBackendTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON encodes body as the response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError answers with the first ErrorEnvelope in err's chain. Anything
// else is reported as a bare INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		env = model.NewInternalError()
	}
	WriteJSON(w, HTTPStatus(env.Code), errorBody{Error: env})
}

func workflowNotFound(id string) error {
	return model.NewNotFoundError("workflow " + id + " not found")
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// pagination reads page and page_size. Missing or non-positive values fall
// back to the first page of defaultPageSize; page_size is capped.
func pagination(r *http.Request) (page, size int) {
	positive := func(key string, def int) int {
		n, err := strconv.Atoi(r.URL.Query().Get(key))
		if err != nil || n < 1 {
			return def
		}
		return n
	}
	return positive("page", 1), min(positive("page_size", defaultPageSize), maxPageSize)
}
