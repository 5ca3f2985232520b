package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/token"
)

type contextKey string

const claimsContextKey contextKey = "oauth_claims"

// ContextWithClaims returns a copy of ctx carrying claims.
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims stored by ValidateToken.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	return claims, ok && claims != nil
}

// ValidateToken is middleware for resource servers. It accepts JWT access
// tokens and personal access tokens sent as Authorization: Bearer and
// stores the verified claims in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := extractBearerToken(r)
		if !ok {
			// RFC 6750 section 3.1: no error code when the request had no token.
			h.writeBearerChallenge(w, nil, "")
			return
		}

		claims, err := h.server.VerifyAccessToken(r.Context(), raw)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrTokenExpired):
				h.writeBearerChallenge(w, ErrInvalidToken("the access token expired"), "")
			case errors.Is(err, token.ErrTokenRevoked):
				h.writeBearerChallenge(w, ErrInvalidToken("the access token was revoked"), "")
			case errors.Is(err, token.ErrInvalidToken):
				h.writeBearerChallenge(w, ErrInvalidToken("the access token is invalid"), "")
			default:
				h.logger.Error("Failed to verify access token",
					"token_prefix", util.TokenPrefix(raw),
					"error", err)
				h.writeOAuthError(w, ErrTemporarilyUnavailable("token verification is temporarily unavailable"), "")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// RequireScopes returns middleware that rejects requests whose token does
// not cover every required scope. Granted wildcard scopes such as "repo:*"
// satisfy any scope sharing their prefix. It must run after ValidateToken.
func (h *Handler) RequireScopes(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				h.writeBearerChallenge(w, nil, "")
				return
			}

			if missing := scope.Missing(claims.Scopes(), required); len(missing) > 0 {
				h.logger.Debug("Token lacks required scopes",
					"client_id", claims.ClientID,
					"missing", scope.Format(missing))
				h.writeBearerChallenge(w, ErrInsufficientScope("the access token lacks a required scope"), scope.Format(required))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeBearerChallenge writes an RFC 6750 error. A nil oerr is the bare
// 401 for requests without credentials.
func (h *Handler) writeBearerChallenge(w http.ResponseWriter, oerr *OAuthError, requiredScope string) {
	params := [][2]string{{"realm", h.config.Realm}}
	if oerr == nil {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(challengeSchemeBearer, params))
		h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error:            ErrorCodeInvalidToken,
			ErrorDescription: "missing bearer token",
		})
		return
	}

	params = append(params,
		[2]string{"scope", requiredScope},
		[2]string{"error", oerr.Code},
		[2]string{"error_description", oerr.Description},
	)
	h.writeOAuthError(w, oerr, formatWWWAuthenticate(challengeSchemeBearer, params))
}

// extractBearerToken returns the token from an Authorization: Bearer header.
// The scheme is matched case-insensitively.
func extractBearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], challengeSchemeBearer) {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}
