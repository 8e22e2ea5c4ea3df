package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
	"github.com/wagechannel/channel-server-go/internal/httputil"
	"github.com/wagechannel/channel-server-go/internal/middleware"
	"github.com/wagechannel/channel-server-go/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// requireActor returns the authenticated caller or writes a 401.
func requireActor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.CurrentActor(r.Context())
	if !ok {
		writeError(w, apperrors.Unauthorized("Authentication required"))
	}
	return actor, ok
}

// decodeJSON reads a JSON request body into dst. An empty body leaves dst
// unchanged.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.ValidationError("Invalid JSON body").WithCause(err)
	}
	return nil
}
