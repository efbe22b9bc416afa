// Package ciauth validates identity tokens minted by GitHub Actions'
// OpenID Connect issuer, proving that a caller is a specific workflow run
// of a specific repository. Signature validity alone only proves "some
// workflow in some repo produced this token"; the configured allow-list is
// what makes it "a run this system should trust".
//
// The issuer's signing keys are fetched from its JWKS endpoint once at
// construction and kept fresh by a cached, rate-limited refresher, so the
// common verification path never leaves the process.
package ciauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/draftforge/handoff-go/sessions"
	"github.com/draftforge/handoff-go/tokens"
)

// GitHubIssuer is the fixed issuer for GitHub Actions OIDC tokens.
const GitHubIssuer = "https://token.actions.githubusercontent.com"

var (
	// ErrKeySetUnavailable indicates the issuer's signing keys could not
	// be fetched or refreshed. This is the one transient failure in the
	// package; the key cache retries on its own schedule.
	ErrKeySetUnavailable = errors.New("ciauth: signing key set unavailable")

	// Allow-list rejections. The token was independently valid; the run
	// it identifies is simply not one this deployment trusts.
	ErrRepositoryNotAllowed = errors.New("ciauth: repository not allowed")
	ErrRefNotAllowed        = errors.New("ciauth: ref not allowed")
	ErrWorkflowNotAllowed   = errors.New("ciauth: workflow not allowed")
)

// Config for a Verifier. Audience, and AllowedRepository are required;
// verification fails construction without them.
type Config struct {
	// Issuer defaults to GitHubIssuer. Overriding it exists for tests
	// against a mock issuer, not for production use.
	Issuer string
	// Audience the CI tokens must carry (the value passed to the
	// actions/github-script or id-token request in the workflow).
	Audience string
	// AllowedRepository like "org/repo". Exact match.
	AllowedRepository string
	// AllowedRef, if set, additionally pins the git ref ("refs/heads/main").
	AllowedRef string
	// AllowedWorkflow, if set, additionally pins the workflow name.
	AllowedWorkflow string
	// Leeway for time-based claims, default 30s.
	Leeway time.Duration
}

// RunClaims is the verified identity of a workflow run. JSON field names
// follow the GitHub Actions OIDC token claim set.
type RunClaims struct {
	jwt.RegisteredClaims

	Repository      string `json:"repository"`
	RepositoryOwner string `json:"repository_owner"`
	RunID           string `json:"run_id"`
	RunAttempt      string `json:"run_attempt"`
	Workflow        string `json:"workflow"`
	Ref             string `json:"ref"`
	SHA             string `json:"sha"`
	Actor           string `json:"actor"`
	EventName       string `json:"event_name"`
	JobWorkflowRef  string `json:"job_workflow_ref"`
}

// RunContext converts the claims into the session-side run binding.
func (c *RunClaims) RunContext() *sessions.RunContext {
	return &sessions.RunContext{
		Repository: c.Repository,
		RunID:      c.RunID,
		RunAttempt: c.RunAttempt,
		Workflow:   c.Workflow,
		Ref:        c.Ref,
		SHA:        c.SHA,
		Actor:      c.Actor,
	}
}

// Verifier validates GitHub Actions OIDC tokens against a cached key set
// and the configured allow-list. Safe for concurrent use.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// New discovers the issuer's JWKS endpoint and initializes the key cache.
// It fails fast: a misconfigured or unreachable issuer is a startup error,
// not a lazily thrown one.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = GitHubIssuer
	}
	if cfg.Audience == "" {
		return nil, errors.New("ciauth: audience required")
	}
	if cfg.AllowedRepository == "" {
		return nil, errors.New("ciauth: allowed repository required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("ciauth: oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("ciauth: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("ciauth: discovery metadata missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("ciauth: jwks init failed: %w", err)
	}

	return &Verifier{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			// The external issuer signs asymmetrically; a symmetric alg
			// here would let any secret holder forge a CI identity.
			if t.Method.Alg() != "RS256" {
				return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Verify validates the token's envelope (signature, issuer, audience,
// expiry) and then applies the allow-list. Crypto and claim-shape failures
// reuse the token error kinds so the gateway reports one taxonomy for both
// credential types; allow-list rejections use the package's own sentinels.
func (v *Verifier) Verify(ctx context.Context, tokenStr, audience string) (*RunClaims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: empty token", tokens.ErrInvalidClaims)
	}
	if audience == "" {
		audience = v.cfg.Audience
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithLeeway(v.cfg.Leeway),
	)

	var claims RunClaims
	if _, err := parser.ParseWithClaims(tokenStr, &claims, v.keyfunc); err != nil {
		return nil, mapVerifyError(err)
	}

	if claims.Repository != v.cfg.AllowedRepository {
		return nil, fmt.Errorf("%w: %q", ErrRepositoryNotAllowed, claims.Repository)
	}
	if v.cfg.AllowedRef != "" && claims.Ref != v.cfg.AllowedRef {
		return nil, fmt.Errorf("%w: %q", ErrRefNotAllowed, claims.Ref)
	}
	if v.cfg.AllowedWorkflow != "" && claims.Workflow != v.cfg.AllowedWorkflow {
		return nil, fmt.Errorf("%w: %q", ErrWorkflowNotAllowed, claims.Workflow)
	}
	if claims.RunID == "" {
		return nil, fmt.Errorf("%w: missing run_id", tokens.ErrInvalidClaims)
	}
	return &claims, nil
}

func mapVerifyError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", tokens.ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", tokens.ErrInvalidAudience, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", tokens.ErrInvalidSignature, err)
	case errors.Is(err, jwkset.ErrKeyNotFound):
		// A kid the issuer never published is a forged credential, not a
		// key-set outage; it must not look retryable.
		return fmt.Errorf("%w: %v", tokens.ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// The upstream key set could not be fetched or refreshed.
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", tokens.ErrInvalidClaims, err)
	}
}
