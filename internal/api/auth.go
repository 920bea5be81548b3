package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	xerrors "MetaCortex/internal/errors"
	"MetaCortex/pkg/logger"
)

// CodeUnauthorized 表示请求未携带有效的 API Key。
const CodeUnauthorized xerrors.Code = "UNAUTHORIZED"

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "unauthorized",
		Severity: xerrors.SeverityWarning,
	})
}

// WithAPIKeys 要求请求携带 Authorization: Bearer <key>，不传入任何 key 时不做校验。
func WithAPIKeys(keys ...string) Option {
	return func(s *Server) {
		for _, key := range keys {
			if key = strings.TrimSpace(key); key != "" {
				s.apiKeys = append(s.apiKeys, []byte(key))
			}
		}
	}
}

// withAuth 校验 API Key；/healthz 不受限制。
func (s *Server) withAuth(next http.Handler) http.Handler {
	if len(s.apiKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/healthz") {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || !s.validKey(token) {
			logger.Audit().Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.String("remote", r.RemoteAddr),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="metacortex"`)
			writeError(w, xerrors.New(CodeUnauthorized, "缺少或无效的 API Key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(token string) bool {
	candidate := []byte(token)
	matched := 0
	for _, key := range s.apiKeys {
		matched |= subtle.ConstantTimeCompare(candidate, key)
	}
	return matched == 1
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
