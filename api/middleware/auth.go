package middleware

import (
	"net/http"
	"strings"

	"github.com/resellerhq/storefront-backend/api/responses"
	pkgAuth "github.com/resellerhq/storefront-backend/pkg/auth"
	"github.com/resellerhq/storefront-backend/pkg/config"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
)

// Auth validates a bearer token issued by the identity provider and seeds the
// request context with the caller's id, role and email.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(err error) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="storefront"`)
				responses.WriteError(r.Context(), logg, w, err)
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				reject(pkgerrors.New(pkgerrors.CodeUnauthorized, "missing bearer token"))
				return
			}
			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				reject(pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}
			// Validate already guaranteed a uuid subject.
			userID, _ := claims.UserID()
			role := string(claims.Role)

			ctx := WithRole(WithUserID(r.Context(), userID.String()), role)
			if claims.Email != "" {
				ctx = WithEmail(ctx, claims.Email)
			}
			ctx = logg.WithActorRole(logg.WithUserID(ctx, userID.String()), role)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the credentials of an RFC 6750 "Bearer" authorization
// header. The scheme is case-insensitive.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
