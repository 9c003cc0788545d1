// Package integration provides a reusable test harness for end-to-end
// testing of the flowline server. It starts a full HTTP server over
// in-memory stores, seeds it from a fixture file, and signs JWTs with a
// throwaway RSA key.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowline/internal/config"
	"github.com/pitabwire/flowline/internal/engine"
	"github.com/pitabwire/flowline/internal/fixture"
	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/internal/observability"
	"github.com/pitabwire/flowline/internal/template"
	"github.com/pitabwire/flowline/internal/transport"
	"github.com/pitabwire/flowline/model"
)

// TestHarness encapsulates a fully wired flowline instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Engine         *engine.Engine
	Templates      *template.Service
	Directory      *identity.MemoryDirectory
	ExecutionStore *engine.MemoryStore

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	fixtureFile    string
	handlerTimeout time.Duration
	stallAfter     time.Duration
}

// WithFixtureFile sets the seed file to load. Relative paths are resolved
// from the testdata directory.
func WithFixtureFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.fixtureFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithStallAfter sets the stall threshold used by sweeps triggered through
// h.SweepStalls.
func WithStallAfter(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.stallAfter = d
	}
}

// NewTestHarness creates and starts a full flowline test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		stallAfter:     72 * time.Hour,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.fixtureFile == "" {
		hc.fixtureFile = "seed.yaml"
	}
	if !filepath.IsAbs(hc.fixtureFile) {
		hc.fixtureFile = filepath.Join(testdataDir(), hc.fixtureFile)
	}

	h := &TestHarness{t: t}
	h.issuer = newTokenIssuer(t)

	// In-memory stores seeded from the fixture file.
	h.Directory = identity.NewMemoryDirectory()
	h.ExecutionStore = engine.NewMemoryStore()
	tplStore := template.NewMemoryStore()

	seed, err := fixture.Load(hc.fixtureFile)
	if err != nil {
		t.Fatalf("load fixtures: %v", err)
	}
	if err := seed.Apply(context.Background(), h.Directory, tplStore, zap.NewNop()); err != nil {
		t.Fatalf("apply fixtures: %v", err)
	}

	h.Templates = template.NewService(tplStore, h.ExecutionStore, h.Directory)
	h.Engine = engine.New(h.ExecutionStore, h.Templates, h.Directory)

	h.cfg = &config.Config{
		Server: config.ServerConfig{
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			HandlerTimeout: hc.handlerTimeout,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Engine: config.EngineConfig{
			StallAfter: hc.stallAfter,
		},
		Identity: config.IdentityConfig{
			Issuer:        h.issuer.Issuer(),
			Audience:      h.issuer.Audience(),
			PublicKeyFile: h.issuer.PublicKeyFile(),
		},
	}

	authenticate, err := transport.NewAuthenticator(h.cfg.Identity)
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Templates:    h.Templates,
		Users:        h.Directory,
		Authenticate: authenticate,
		Logger:       zap.NewNop(),
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded: func() bool { return len(seed.Templates) > 0 },
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT for the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// SweepStalls runs one stall sweep with the harness's stall threshold.
func (h *TestHarness) SweepStalls(t *testing.T) int {
	t.Helper()
	monitor := engine.NewStallMonitor(h.ExecutionStore, h.Templates,
		h.cfg.Engine.StallAfter, time.Hour)
	n, err := monitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("stall sweep: %v", err)
	}
	return n
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reqBody)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ParseJSON decodes a response body into out and closes the body.
func (h *TestHarness) ParseJSON(resp *http.Response, out any) {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		h.t.Fatalf("decode response %s: %v", string(data), err)
	}
}

// AssertStatus fails the test if the response status does not match.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, string(data))
	}
}

// AssertErrorCode fails the test unless the response carries an error
// envelope with the given code. The body is consumed.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	if body.Error == nil {
		t.Fatal("expected an error envelope")
	}
	if body.Error.Code != want {
		t.Errorf("error code = %q, want %q", body.Error.Code, want)
	}
}

// testdataDir locates the testdata directory relative to this source file,
// so tests work regardless of the working directory.
func testdataDir() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "testdata")
}

func assertEqual(t *testing.T, got, want any, label string) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}
