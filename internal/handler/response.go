package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/consult-server-go/internal/errors"
	"github.com/openclaw/consult-server-go/internal/httputil"
	"github.com/openclaw/consult-server-go/internal/middleware"
	"github.com/openclaw/consult-server-go/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// writeError logs unexpected failures and writes err in the standard error
// format. Lost claim races are expected and logged at debug.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	switch code {
	case apperrors.ErrCodeInternal:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	case apperrors.ErrCodeAlreadyClaimed:
		log.Debug().Str("path", r.URL.Path).Msg("request already claimed")
	}
	httputil.WriteError(w, err)
}

func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return apperrors.ValidationError("Invalid JSON body")
	}
	return nil
}

func currentActor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.CurrentActor(r.Context())
	if !ok {
		httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
		return model.Actor{}, false
	}
	return actor, true
}
