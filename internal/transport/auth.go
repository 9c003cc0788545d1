package transport

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/flowline/internal/config"
	"github.com/pitabwire/flowline/model"
)

// NewAuthenticator builds JWT middleware from the identity configuration.
// Tokens are verified either with an HS256 shared secret read from the
// environment variable named by SecretEnv, or with an RS256 public key
// loaded from PublicKeyFile. When both are configured the public key wins.
func NewAuthenticator(cfg config.IdentityConfig) (func(http.Handler) http.Handler, error) {
	var keyfunc jwt.Keyfunc
	var methods []string

	switch {
	case cfg.PublicKeyFile != "":
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading public key file: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}
		keyfunc = func(*jwt.Token) (any, error) { return pub, nil }
		methods = []string{"RS256"}

	case cfg.SecretEnv != "":
		secret := os.Getenv(cfg.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("environment variable %s is empty", cfg.SecretEnv)
		}
		key := []byte(secret)
		keyfunc = func(*jwt.Token) (any, error) { return key, nil }
		methods = []string{"HS256"}

	default:
		return nil, fmt.Errorf("identity config needs secret_env or public_key_file")
	}

	return jwtMiddleware(cfg, keyfunc, methods), nil
}

func jwtMiddleware(cfg config.IdentityConfig, keyfunc jwt.Keyfunc, methods []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}
			tokenStr := auth[7:]

			token, err := jwt.Parse(tokenStr, keyfunc,
				jwt.WithValidMethods(methods),
				jwt.WithIssuer(cfg.Issuer),
				jwt.WithAudience(cfg.Audience),
				jwt.WithLeeway(30*time.Second),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		// Also covers tokens signed with a disallowed algorithm.
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	default:
		return "Invalid token"
	}
}
