package responses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
)

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, SuccessEnvelope{Data: data})
}

// WriteError renders err as an ErrorEnvelope. Untyped errors become
// INTERNAL_ERROR so their text never reaches the client.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("WriteError called with nil error")
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}
	meta := pkgerrors.MetadataFor(typed.Code())

	public := APIError{Code: string(typed.Code()), Message: meta.PublicMessage}
	if meta.ExposeMessage && typed.Message() != "" {
		public.Message = typed.Message()
	}
	if meta.DetailsAllowed {
		public.Details = typed.Details()
	}

	logFailure(ctx, logg, meta.HTTPStatus, typed, err)
	writeJSON(w, meta.HTTPStatus, ErrorEnvelope{Error: public})
}

// logFailure keeps client mistakes at info level; only 5xx carry a stack.
func logFailure(ctx context.Context, logg *logger.Logger, status int, typed *pkgerrors.Error, err error) {
	if logg == nil {
		return
	}
	fields := pkgerrors.Diagnose(err).Fields()
	fields["status"] = status
	fields["error_code"] = string(typed.Code())
	if details, ok := typed.Details().(map[string]any); ok {
		for _, key := range []string{"step", "purchase_id"} {
			if v, ok := details[key]; ok {
				fields[key] = v
			}
		}
	}
	ctx = logg.WithFields(ctx, fields)

	if status >= http.StatusInternalServerError {
		logg.Error(ctx, "request.error", err)
		return
	}
	logg.Info(logg.WithField(ctx, "error", err.Error()), "request.rejected")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"internal server error"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
