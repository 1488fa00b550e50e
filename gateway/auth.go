package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/imagewire/pacsbridge/config"
)

// tenantKey carries the resolved tenant token through the request
// context.
type tenantKey struct{}

// TenantFromContext returns the tenant token resolved by the auth gate.
func TenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey{}).(string)
	return tenant
}

// tenantClaim is the JWT claim naming the caller's tenant token.
const tenantClaim = "websocketToken"

// authGate resolves the caller's tenant token from the Bearer JWT and
// requires the tenant to hold a live connection somewhere in the
// cluster. A malformed Authorization header is treated exactly like an
// absent one: fallback mode substitutes the default tenant, strict mode
// rejects with 401.
func (s *Server) authGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, reason := s.resolveTenant(r)
		if tenant == "" {
			s.logger.Info("rejecting request with invalid token",
				zap.String("path", r.URL.Path),
				zap.String("reason", reason))
			writeError(w, http.StatusUnauthorized, "token not valid")
			return
		}

		live, err := s.registry.IsLiveAnywhere(r.Context(), tenant)
		if err != nil || !live {
			s.logger.Info("rejecting request for tenant with no live connection",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			writeError(w, http.StatusUnauthorized, "token not valid")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

// resolveTenant extracts and verifies the Bearer token. Returns the
// tenant token, or "" with a diagnostic reason when strict mode rejects.
func (s *Server) resolveTenant(r *http.Request) (string, string) {
	tenant, err := s.verifyBearer(r.Header.Get("Authorization"))
	if err == nil {
		return tenant, ""
	}
	if s.cfg.Auth.Mode == config.AuthModeFallback {
		return s.cfg.Auth.DefaultTenant, ""
	}
	return "", err.Error()
}

// verifyBearer checks the HMAC signature and issuer, then extracts the
// tenant claim.
func (s *Server) verifyBearer(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Auth.Secret), nil
	}, jwt.WithIssuer(s.cfg.Auth.Issuer))
	if err != nil {
		return "", fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims shape")
	}
	tenant, _ := claims[tenantClaim].(string)
	if tenant == "" {
		return "", fmt.Errorf("token carries no %s claim", tenantClaim)
	}
	return tenant, nil
}
