package ciauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/draftforge/handoff-go/tokens"
)

const testAudience = "https://publish.draftforge.test/api"

type mockIssuer struct {
	srv    *httptest.Server
	issuer string
	pk     *rsa.PrivateKey
	kid    string
}

func newMockIssuer(t *testing.T) *mockIssuer {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	m := &mockIssuer{pk: pk, kid: "gha-key-1"}

	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: m.kid, Algorithm: "RS256", Use: "sig"}
	keysJSON, err := json.Marshal(struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                m.issuer,
			"jwks_uri":                              m.issuer + "/keys",
			"response_types_supported":              []string{"id_token"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

// sign issues a workflow identity token; overrides patch individual claims.
func (m *mockIssuer) sign(t *testing.T, overrides map[string]any) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":        m.issuer,
		"sub":        "repo:acme/books:ref:refs/heads/main",
		"aud":        testAudience,
		"iat":        now.Unix(),
		"exp":        now.Add(5 * time.Minute).Unix(),
		"repository": "acme/books",
		"run_id":     "42",
		"workflow":   "publish",
		"ref":        "refs/heads/main",
		"sha":        "deadbeef",
		"actor":      "octocat",
	}
	for k, v := range overrides {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = m.kid
	s, err := tok.SignedString(m.pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newVerifier(t *testing.T, m *mockIssuer, cfg Config) *Verifier {
	t.Helper()
	cfg.Issuer = m.issuer
	if cfg.Audience == "" {
		cfg.Audience = testAudience
	}
	if cfg.AllowedRepository == "" {
		cfg.AllowedRepository = "acme/books"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	v, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestVerify_HappyPath(t *testing.T) {
	m := newMockIssuer(t)
	v := newVerifier(t, m, Config{})

	claims, err := v.Verify(context.Background(), m.sign(t, nil), testAudience)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Repository != "acme/books" || claims.RunID != "42" {
		t.Fatalf("claims mismatch: %+v", claims)
	}

	rc := claims.RunContext()
	if rc.Repository != "acme/books" || rc.RunID != "42" || rc.SHA != "deadbeef" || rc.Actor != "octocat" {
		t.Fatalf("run context mismatch: %+v", rc)
	}
}

func TestVerify_DisallowedRepositoryRejectedDespiteValidSignature(t *testing.T) {
	m := newMockIssuer(t)
	v := newVerifier(t, m, Config{})

	tok := m.sign(t, map[string]any{
		"repository": "acme/other-repo",
		"sub":        "repo:acme/other-repo:ref:refs/heads/main",
	})
	_, err := v.Verify(context.Background(), tok, testAudience)
	if !errors.Is(err, ErrRepositoryNotAllowed) {
		t.Fatalf("want ErrRepositoryNotAllowed, got %v", err)
	}
}

func TestVerify_RefAllowList(t *testing.T) {
	m := newMockIssuer(t)
	v := newVerifier(t, m, Config{AllowedRef: "refs/heads/main"})

	if _, err := v.Verify(context.Background(), m.sign(t, nil), testAudience); err != nil {
		t.Fatalf("allowed ref rejected: %v", err)
	}

	tok := m.sign(t, map[string]any{"ref": "refs/heads/feature"})
	_, err := v.Verify(context.Background(), tok, testAudience)
	if !errors.Is(err, ErrRefNotAllowed) {
		t.Fatalf("want ErrRefNotAllowed, got %v", err)
	}
}

func TestVerify_WorkflowAllowList(t *testing.T) {
	m := newMockIssuer(t)
	v := newVerifier(t, m, Config{AllowedWorkflow: "publish"})

	tok := m.sign(t, map[string]any{"workflow": "deploy"})
	_, err := v.Verify(context.Background(), tok, testAudience)
	if !errors.Is(err, ErrWorkflowNotAllowed) {
		t.Fatalf("want ErrWorkflowNotAllowed, got %v", err)
	}
}

func TestVerify_AudienceMismatch(t *testing.T) {
	m := newMockIssuer(t)
	v := newVerifier(t, m, Config{})

	tok := m.sign(t, map[string]any{"aud": "https://other.example.com"})
	_, err := v.Verify(context.Background(), tok, testAudience)
	if !errors.Is(err, tokens.ErrInvalidAudience) {
		t.Fatalf("want ErrInvalidAudience, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	m := newMockIssuer(t)
	v := newVerifier(t, m, Config{Leeway: time.Nanosecond})

	tok := m.sign(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	_, err := v.Verify(context.Background(), tok, testAudience)
	if !errors.Is(err, tokens.ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
}

func TestVerify_SymmetricAlgRejected(t *testing.T) {
	m := newMockIssuer(t)
	v := newVerifier(t, m, Config{})

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":        m.issuer,
		"aud":        testAudience,
		"exp":        time.Now().Add(time.Hour).Unix(),
		"repository": "acme/books",
		"run_id":     "42",
	})
	tok.Header["kid"] = m.kid
	s, err := tok.SignedString([]byte("anyone-with-this-secret-could-forge"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.Verify(context.Background(), s, testAudience); err == nil {
		t.Fatalf("HS256-signed token verified")
	}
}

func TestVerify_UnknownKidIsSignatureFailureNotOutage(t *testing.T) {
	m := newMockIssuer(t)
	v := newVerifier(t, m, Config{})

	// Validly shaped, correct issuer, but signed under a kid the issuer's
	// JWKS has never published.
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":        m.issuer,
		"aud":        testAudience,
		"iat":        now.Unix(),
		"exp":        now.Add(5 * time.Minute).Unix(),
		"repository": "acme/books",
		"run_id":     "42",
	})
	tok.Header["kid"] = "rogue-key"
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = v.Verify(context.Background(), s, testAudience)
	if !errors.Is(err, tokens.ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature, got %v", err)
	}
	if errors.Is(err, ErrKeySetUnavailable) {
		t.Fatalf("forged kid reported as key set outage: %v", err)
	}
}

func TestVerify_ForeignKey(t *testing.T) {
	m := newMockIssuer(t)
	other := newMockIssuer(t)
	v := newVerifier(t, m, Config{})

	// Valid shape, signed by a different issuer's key under an unknown kid.
	tok := other.sign(t, map[string]any{"iss": m.issuer})
	_, err := v.Verify(context.Background(), tok, testAudience)
	if err == nil {
		t.Fatalf("foreign-key token verified")
	}
}

func TestNew_ConfigValidation(t *testing.T) {
	m := newMockIssuer(t)
	ctx := context.Background()

	if _, err := New(ctx, Config{Issuer: m.issuer, AllowedRepository: "acme/books"}); err == nil {
		t.Fatalf("missing audience accepted")
	}
	if _, err := New(ctx, Config{Issuer: m.issuer, Audience: testAudience}); err == nil {
		t.Fatalf("missing allowed repository accepted")
	}
}

func TestNew_DiscoveryFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(context.Background(), Config{
		Issuer:            srv.URL,
		Audience:          testAudience,
		AllowedRepository: "acme/books",
	})
	if err == nil {
		t.Fatalf("expected discovery failure")
	}
}
