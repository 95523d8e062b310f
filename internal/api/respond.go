package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
)

// maxBodyBytes bounds request bodies; the largest legitimate payload is an
// inlined bundle config source.
const maxBodyBytes = 10 << 20

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    errutil.Kind   `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// kindStatus maps the error taxonomy onto status codes. Kinds that only ever
// live inside rollout failure records fall through to 500; they are not
// request errors.
func kindStatus(kind errutil.Kind) int {
	switch kind {
	case errutil.KindNotFound, errutil.KindBundleNotFound:
		return http.StatusNotFound
	case errutil.KindInvalidState, errutil.KindConflict, errutil.KindBundleRevoked,
		errutil.KindAlreadyApproved, errutil.KindApprovalRequired:
		return http.StatusConflict
	case errutil.KindSelfApproval, errutil.KindNotAuthorized:
		return http.StatusForbidden
	case errutil.KindCommentRequired, errutil.KindInvalidArgument,
		errutil.KindNoTargetNodes, errutil.KindBundleNotCompiled:
		return http.StatusUnprocessableEntity
	case errutil.KindInvalidClaims, errutil.KindKeyDeactivated,
		errutil.KindUnknownKey, errutil.KindInvalidKey:
		return http.StatusUnauthorized
	case errutil.KindNoSigningKey:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// error writes err as a structured error response. Unkinded errors are
// internal: logged in full, surfaced opaquely.
func (s *Server) error(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errutil.AsError(err)
	if !ok {
		switch {
		case errors.Is(err, store.ErrNotFound):
			e = errutil.New(errutil.KindNotFound, "not found")
		case errors.Is(err, store.ErrConflict):
			e = errutil.New(errutil.KindConflict, "conflict")
		default:
			s.log.Error(err, "request failed", "method", r.Method, "path", r.URL.Path)
			writeJSON(w, http.StatusInternalServerError, errorBody{errorDetail{
				Kind: "internal", Message: "internal error",
			}})
			return
		}
	}
	writeJSON(w, kindStatus(e.Kind), errorBody{errorDetail{
		Kind: e.Kind, Message: e.Message, Detail: e.Detail,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON fills v from the request body. An empty body leaves v zeroed so
// verbs with optional bodies accept a bare POST.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return errutil.Wrap(errutil.KindInvalidArgument, err, "invalid request body")
	}
	return nil
}
