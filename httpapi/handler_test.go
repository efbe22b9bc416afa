package httpapi_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/draftforge/handoff-go/auth"
	"github.com/draftforge/handoff-go/ciauth"
	"github.com/draftforge/handoff-go/httpapi"
	"github.com/draftforge/handoff-go/sessions"
	"github.com/draftforge/handoff-go/sessions/memoryhost"
	"github.com/draftforge/handoff-go/tokens"
)

const (
	apiAudience = "https://publish.draftforge.test/api"
	ciAudience  = "https://publish.draftforge.test/ci"
)

type ciIssuer struct {
	srv    *httptest.Server
	issuer string
	pk     *rsa.PrivateKey
	kid    string
}

func newCIIssuer(t *testing.T) *ciIssuer {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	m := &ciIssuer{pk: pk, kid: "gha-key-1"}

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

func (m *ciIssuer) sign(t *testing.T, overrides map[string]any) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":         m.issuer,
		"sub":         "repo:acme/books:ref:refs/heads/main",
		"aud":         ciAudience,
		"iat":         now.Unix(),
		"exp":         now.Add(5 * time.Minute).Unix(),
		"repository":  "acme/books",
		"run_id":      "42",
		"run_attempt": "1",
		"workflow":    "publish",
		"ref":         "refs/heads/main",
		"sha":         "deadbeef",
		"actor":       "octocat",
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

type fixture struct {
	h      *httpapi.Handler
	tokens *tokens.Service
	store  *sessions.Store
	ci     *ciIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := newCIIssuer(t)

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	keys, err := tokens.NewRSAKeyring(pk)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	svc, err := tokens.NewService(tokens.Config{
		Issuer:   "https://publish.draftforge.test",
		Audience: apiAudience,
	}, keys)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	ver, err := ciauth.New(ctx, ciauth.Config{
		Issuer:            m.issuer,
		Audience:          ciAudience,
		AllowedRepository: "acme/books",
	})
	if err != nil {
		t.Fatalf("ci verifier: %v", err)
	}

	host, err := memoryhost.New()
	if err != nil {
		t.Fatalf("memory host: %v", err)
	}
	t.Cleanup(func() { _ = host.Close() })
	store := sessions.NewStore(host)

	gw, err := auth.New(auth.Config{
		Tokens:         svc,
		CI:             ver,
		Store:          store,
		Audience:       apiAudience,
		CIAudience:     ciAudience,
		ExternalIssuer: m.issuer,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	h, err := httpapi.NewHandler(httpapi.Deps{
		Tokens:  svc,
		Gateway: gw,
		Store:   store,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return &fixture{h: h, tokens: svc, store: store, ci: m}
}

// do runs a request against the handler and decodes the JSON body.
func (f *fixture) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %v", body)
	}
	code, _ := e["code"].(string)
	return code
}

// TestPublishLifecycle drives a full handoff: interactive creation, CI
// attestation, progress reporting and completion, with the terminal state
// staying readable but immutable.
func TestPublishLifecycle(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/v1/publish", "", map[string]any{
		"userId":    "user-1",
		"contentId": "book-9",
		"metadata":  map[string]string{"title": "A Book"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	sessionID, _ := body["sessionId"].(string)
	userToken, _ := body["token"].(string)
	if sessionID == "" || userToken == "" {
		t.Fatalf("grant incomplete: %v", body)
	}
	sess, _ := body["session"].(map[string]any)
	if sess["status"] != string(sessions.StatusPendingRunner) {
		t.Fatalf("status = %v, want pending-runner", sess["status"])
	}

	// The runner arrives with its CI identity token.
	rec, body = f.do(t, http.MethodPost, "/v1/publish/"+sessionID+"/attest", f.ci.sign(t, nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("attest: %d %s", rec.Code, rec.Body)
	}
	runnerToken, _ := body["token"].(string)
	if runnerToken == "" {
		t.Fatal("no runner token in attest response")
	}
	sess, _ = body["session"].(map[string]any)
	if sess["status"] != string(sessions.StatusRunnerAttested) {
		t.Fatalf("status = %v, want runner-attested", sess["status"])
	}
	if sess["externalRunContext"] == nil {
		t.Fatal("run context not recorded on session")
	}

	// The fresh token is run-scoped.
	claims, err := f.tokens.Verify(runnerToken, apiAudience)
	if err != nil {
		t.Fatalf("verify runner token: %v", err)
	}
	if claims.RunContext == nil || claims.RunContext.RunID != "42" {
		t.Fatalf("runner token run context = %+v", claims.RunContext)
	}

	// Progress reporting with the runner token.
	rec, _ = f.do(t, http.MethodPatch, "/v1/publish/"+sessionID, runnerToken, map[string]any{
		"status":   string(sessions.StatusProcessing),
		"progress": 10,
		"phase":    "render",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("processing update: %d %s", rec.Code, rec.Body)
	}
	rec, body = f.do(t, http.MethodPatch, "/v1/publish/"+sessionID, runnerToken, map[string]any{
		"progress": 80,
		"phase":    "upload",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("progress update: %d %s", rec.Code, rec.Body)
	}
	if body["progress"] != float64(80) {
		t.Fatalf("progress = %v, want 80", body["progress"])
	}

	rec, _ = f.do(t, http.MethodPatch, "/v1/publish/"+sessionID, runnerToken, map[string]any{
		"status": string(sessions.StatusCompleted),
		"result": map[string]any{"url": "https://books.example/9"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body)
	}

	// The user can still read the completed session.
	rec, body = f.do(t, http.MethodGet, "/v1/publish/"+sessionID, userToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body)
	}
	if body["status"] != string(sessions.StatusCompleted) {
		t.Fatalf("status = %v, want completed", body["status"])
	}
	if body["result"] == nil {
		t.Fatal("result missing from completed session")
	}

	// Terminal means terminal.
	rec, body = f.do(t, http.MethodPatch, "/v1/publish/"+sessionID, runnerToken, map[string]any{
		"status": string(sessions.StatusProcessing),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("post-terminal update: %d %s", rec.Code, rec.Body)
	}
	if errorCode(t, body) != "invalid_transition" {
		t.Fatalf("code = %s", errorCode(t, body))
	}
}

func TestCreate_RequiresContentID(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/v1/publish", "", map[string]any{"userId": "user-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
	if errorCode(t, body) != "invalid_update" {
		t.Fatalf("code = %s", errorCode(t, body))
	}
}

func TestCreate_RejectsNonJSONBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/publish", strings.NewReader("userId=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestGet_WithoutCredential(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/v1/publish/some-id", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", rec.Code)
	}
	if errorCode(t, body) != "missing_credential" {
		t.Fatalf("code = %s", errorCode(t, body))
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Fatalf("challenge = %q", got)
	}
}

func TestGet_WithGarbageCredential(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/v1/publish/some-id", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", rec.Code)
	}
	if errorCode(t, body) != "malformed_credential" {
		t.Fatalf("code = %s", errorCode(t, body))
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_request"`) {
		t.Fatalf("challenge = %q", got)
	}
}

func TestGet_TokenBoundToOtherSession(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/v1/publish", "", map[string]any{
		"userId": "user-1", "contentId": "book-1",
	})
	tokenA, _ := body["token"].(string)
	_, body = f.do(t, http.MethodPost, "/v1/publish", "", map[string]any{
		"userId": "user-2", "contentId": "book-2",
	})
	sessionB, _ := body["sessionId"].(string)

	rec, body := f.do(t, http.MethodGet, "/v1/publish/"+sessionB, tokenA, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d %s", rec.Code, rec.Body)
	}
	if errorCode(t, body) != "session_mismatch" {
		t.Fatalf("code = %s", errorCode(t, body))
	}
}

func TestAttest_SecondAttemptRejected(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/v1/publish", "", map[string]any{
		"userId": "user-1", "contentId": "book-1",
	})
	sessionID, _ := body["sessionId"].(string)

	rec, _ := f.do(t, http.MethodPost, "/v1/publish/"+sessionID+"/attest", f.ci.sign(t, nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first attest: %d %s", rec.Code, rec.Body)
	}
	rec, body = f.do(t, http.MethodPost, "/v1/publish/"+sessionID+"/attest", f.ci.sign(t, nil), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("second attest: %d %s", rec.Code, rec.Body)
	}
	if errorCode(t, body) != "session_mismatch" {
		t.Fatalf("code = %s", errorCode(t, body))
	}
}

func TestAttest_DisallowedRepository(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/v1/publish", "", map[string]any{
		"userId": "user-1", "contentId": "book-1",
	})
	sessionID, _ := body["sessionId"].(string)

	tok := f.ci.sign(t, map[string]any{
		"repository": "acme/other",
		"sub":        "repo:acme/other:ref:refs/heads/main",
	})
	rec, body := f.do(t, http.MethodPost, "/v1/publish/"+sessionID+"/attest", tok, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d %s", rec.Code, rec.Body)
	}
	if errorCode(t, body) != "run_not_allowed" {
		t.Fatalf("code = %s", errorCode(t, body))
	}
}

func TestUpdate_AbortRevokesOutstandingTokens(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/v1/publish", "", map[string]any{
		"userId": "user-1", "contentId": "book-1",
	})
	sessionID, _ := body["sessionId"].(string)
	userToken, _ := body["token"].(string)

	rec, _ := f.do(t, http.MethodPatch, "/v1/publish/"+sessionID, userToken, map[string]any{
		"status": string(sessions.StatusAborted),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("abort: %d %s", rec.Code, rec.Body)
	}

	// The still-unexpired token no longer opens the session.
	rec, body = f.do(t, http.MethodGet, "/v1/publish/"+sessionID, userToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("post-abort get: %d %s", rec.Code, rec.Body)
	}
	if errorCode(t, body) != "session_mismatch" {
		t.Fatalf("code = %s", errorCode(t, body))
	}
}

func TestGet_ExpiredSessionReports404(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/v1/publish", "", map[string]any{
		"userId": "user-1", "contentId": "book-1",
	})
	userToken, _ := body["token"].(string)
	sessionID, _ := body["sessionId"].(string)

	// The session lapsing mid-flight looks like a delete to the handler.
	if err := f.store.Delete(context.Background(), sessionID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rec, body := f.do(t, http.MethodGet, "/v1/publish/"+sessionID, userToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d %s", rec.Code, rec.Body)
	}
	if errorCode(t, body) != "session_not_found" {
		t.Fatalf("code = %s", errorCode(t, body))
	}
}
