package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"maps"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	UserID string
	Email  string
	Roles  []string
	Extra  map[string]any
}

// AdminClaims returns claims for the seeded admin user.
func AdminClaims() TestClaims {
	return TestClaims{UserID: "u-amara", Email: "amara@example.com", Roles: []string{"admin"}}
}

// MemberClaims returns claims for the seeded member user who initiates flows.
func MemberClaims() TestClaims {
	return TestClaims{UserID: "u-ben", Email: "ben@example.com", Roles: []string{"member"}}
}

// ReviewerClaims returns claims for the seeded member in the reviewers role.
func ReviewerClaims() TestClaims {
	return TestClaims{UserID: "u-chidi", Email: "chidi@example.com", Roles: []string{"member"}}
}

// tokenIssuer holds an RSA key pair for signing JWTs. The public key is
// written to a PEM file the server reads at startup.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	keyFile    string
	issuer     string
	audience   string
}

// newTokenIssuer creates a token issuer with a fresh RSA key pair.
func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	keyFile := filepath.Join(t.TempDir(), "jwt-public.pem")
	if err := os.WriteFile(keyFile, pemBytes, 0o600); err != nil {
		t.Fatalf("write public key file: %v", err)
	}

	return &tokenIssuer{
		privateKey: key,
		keyFile:    keyFile,
		issuer:     "https://auth.test.flowline.dev",
		audience:   "flowline-test",
	}
}

// Issuer returns the issuer URL baked into tokens.
func (ti *tokenIssuer) Issuer() string { return ti.issuer }

// Audience returns the audience baked into tokens.
func (ti *tokenIssuer) Audience() string { return ti.audience }

// PublicKeyFile returns the path of the PEM-encoded public key.
func (ti *tokenIssuer) PublicKeyFile() string { return ti.keyFile }

// GenerateToken creates a valid, signed JWT with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now, now.Add(1*time.Hour))
}

// GenerateExpiredToken creates a JWT that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now.Add(-2*time.Hour), now.Add(-1*time.Hour))
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt, expiresAt time.Time) string {
	mapClaims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   claims.UserID,
		"email": claims.Email,
	}
	if len(claims.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}
	maps.Copy(mapClaims, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	signed, err := token.SignedString(ti.privateKey)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
