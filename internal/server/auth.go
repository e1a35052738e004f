// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// requestMeta is filled in by inner handlers and read by the logging
// middleware once the request completes.
type requestMeta struct {
	principal string
}

type metaKey struct{}

func withRequestMeta(ctx context.Context) (context.Context, *requestMeta) {
	meta := &requestMeta{}
	return context.WithValue(ctx, metaKey{}, meta), meta
}

func setPrincipal(ctx context.Context, p string) {
	if meta, ok := ctx.Value(metaKey{}).(*requestMeta); ok {
		meta.principal = p
	}
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	meta, ok := ctx.Value(metaKey{}).(*requestMeta)
	if !ok || meta.principal == "" {
		return "", false
	}
	return meta.principal, true
}

func principal(token string) string {
	if token == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(sum[:8])
}

func parseAuthorization(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

// authMiddleware enforces the static bearer token. Without a configured
// token every request is accepted as anonymous.
func authMiddleware(cfg Config) func(http.Handler) http.Handler {
	want := []byte(cfg.Token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 {
				setPrincipal(r.Context(), principal(""))
				next.ServeHTTP(w, r)
				return
			}
			got := parseAuthorization(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="edgefleet"`)
				detail := "missing token"
				if got != "" {
					detail = "invalid token"
				}
				writeProblem(w, newProblem(http.StatusUnauthorized, "unauthorized", detail))
				return
			}
			setPrincipal(r.Context(), principal(got))
			next.ServeHTTP(w, r)
		})
	}
}
