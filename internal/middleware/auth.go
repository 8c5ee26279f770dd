package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"fauxnetd/internal/config"
	"fauxnetd/internal/infrastructure"
)

// AnonymousPrincipal owns every operation when authentication is disabled
const AnonymousPrincipal = "anonymous"

// CredentialQueryParam carries the credential for clients that cannot set headers (EventSource)
const CredentialQueryParam = "credential"

// CredentialAuth authenticates API callers against configured principal:token pairs
// and stores the principal on the request context.
type CredentialAuth struct {
	credentials []config.Credential
	logger      *slog.Logger
}

// NewCredentialAuth creates the authenticator. No credentials disables authentication.
func NewCredentialAuth(credentials []config.Credential, logger *slog.Logger) *CredentialAuth {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &CredentialAuth{
		credentials: credentials,
		logger:      logger.With(slog.String("component", "auth")),
	}
}

// Enabled reports whether any credential is configured
func (a *CredentialAuth) Enabled() bool {
	return len(a.credentials) > 0
}

// Handler implements authentication middleware
func (a *CredentialAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(infrastructure.WithPrincipal(ctx, AnonymousPrincipal)))
			return
		}

		token, source := extractCredential(r)
		if token == "" {
			a.logger.WarnContext(ctx, "missing credential",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			unauthorized(w, r, "Credential required")
			return
		}

		principal, ok := a.Authenticate(token)
		if !ok {
			a.logger.WarnContext(ctx, "invalid credential",
				"source", source,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			unauthorized(w, r, "Invalid credential")
			return
		}

		ctx = infrastructure.WithPrincipal(ctx, principal)
		a.logger.DebugContext(ctx, "authentication successful", "source", source)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate returns the principal owning token
func (a *CredentialAuth) Authenticate(token string) (string, bool) {
	for _, c := range a.credentials {
		if c.Hashed() {
			if bcrypt.CompareHashAndPassword([]byte(c.Token), []byte(token)) == nil {
				return c.Principal, true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) == 1 {
			return c.Principal, true
		}
	}
	return "", false
}

// Principal returns the authenticated principal for r
func Principal(r *http.Request) string {
	if p := infrastructure.GetPrincipal(r.Context()); p != "" {
		return p
	}
	return AnonymousPrincipal
}

func extractCredential(r *http.Request) (token, source string) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1]), "bearer"
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, "api_key"
	}
	if q := r.URL.Query().Get(CredentialQueryParam); q != "" {
		return q, "query"
	}
	return "", ""
}

func unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="fauxnetd"`)
	w.WriteHeader(http.StatusUnauthorized)

	traceID := GetRequestID(r.Context())
	response := `{"type":"/errors/unauthorized","title":"Unauthorized","status":401,"detail":"` + detail + `","trace_id":"` + traceID + `"}`
	_, _ = w.Write([]byte(response))
}
