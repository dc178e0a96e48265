package http

import (
	"errors"
	"net/http"
	"strings"

	"keypaird/internal/config"
	"keypaird/internal/domain"
	"keypaird/internal/infra/auth/rbac"
	"keypaird/internal/infra/policyopa"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "principal"

var devPrincipal = domain.Principal{Subject: "anonymous", Username: "anonymous", Role: domain.RoleAdmin}

func (s *Server) withPermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := s.requireAuth(c, permission); !ok {
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) requireAuth(c *gin.Context, permission string) (domain.Principal, bool) {
	if s.cfg.AuthMode == config.AuthModeNone {
		c.Set(principalContextKey, devPrincipal)
		return devPrincipal, true
	}
	if s.authInitErr != nil || s.authenticator == nil {
		writeErrorCode(c, http.StatusInternalServerError, "AUTH_CONFIG_ERROR", "auth configuration error")
		return domain.Principal{}, false
	}

	token := strings.TrimSpace(extractBearerToken(c.GetHeader("Authorization")))
	if token == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "access token required")
		return domain.Principal{}, false
	}
	principal, err := s.authenticator.Authenticate(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "access token required")
		} else {
			writeErrorCode(c, http.StatusForbidden, "INVALID_TOKEN", "invalid or expired token")
		}
		return domain.Principal{}, false
	}
	if s.authorizer != nil {
		if err := s.authorizer.Require(c.Request.Context(), principal, permission); err != nil {
			s.log.Info("permission denied",
				zap.String("subject", principal.Subject),
				zap.String("role", string(principal.Role)),
				zap.String("permission", permission),
			)
			writeAuthzError(c, err)
			return domain.Principal{}, false
		}
	}
	c.Set(principalContextKey, principal)
	return principal, true
}

func extractBearerToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return ""
	}
	return strings.TrimSpace(value[len("bearer "):])
}

func getPrincipal(c *gin.Context) (domain.Principal, bool) {
	raw, ok := c.Get(principalContextKey)
	if !ok {
		return domain.Principal{}, false
	}
	principal, ok := raw.(domain.Principal)
	return principal, ok
}

func writeAuthzError(c *gin.Context, err error) {
	if authz, ok := rbac.IsAuthzError(err); ok {
		writeErrorCode(c, http.StatusForbidden, authz.Code, "insufficient permissions")
		return
	}
	var policyErr *policyopa.AuthzError
	if errors.As(err, &policyErr) {
		writeErrorCode(c, http.StatusForbidden, policyErr.Code, "insufficient permissions")
		return
	}
	if errors.Is(err, domain.ErrUnauthorized) {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	writeErrorCode(c, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
}
