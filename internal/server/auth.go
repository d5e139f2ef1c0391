package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/tenant"
)

type ctxKey int

const identityKey ctxKey = iota

// authenticate resolves the bearer token and stashes the identity on the
// request context. Every /v1 route runs behind it.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, run.Errf(run.KindAuthFailed, "missing bearer token"))
			return
		}
		id, err := s.resolver.ResolveToken(r.Context(), token)
		switch {
		case errors.Is(err, tenant.ErrUnknownToken):
			writeError(w, run.Errf(run.KindAuthFailed, "unknown bearer token"))
			return
		case err != nil:
			writeError(w, run.WrapErr(run.KindServiceUnavailable, "identity resolver", err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func identityFrom(ctx context.Context) tenant.Identity {
	id, _ := ctx.Value(identityKey).(tenant.Identity)
	return id
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
