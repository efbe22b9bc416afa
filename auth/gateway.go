package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/draftforge/handoff-go/ciauth"
	"github.com/draftforge/handoff-go/sessions"
	"github.com/draftforge/handoff-go/tokens"
)

// Config wires a Gateway. All fields are required except ExternalIssuer,
// which defaults to the GitHub Actions issuer.
type Config struct {
	Tokens *tokens.Service
	CI     *ciauth.Verifier
	Store  *sessions.Store

	// Audience expected on Combined Tokens.
	Audience string
	// CIAudience expected on external CI tokens.
	CIAudience string
	// ExternalIssuer is the unverified-iss value that classifies a
	// credential as external. Must equal the CI verifier's issuer.
	ExternalIssuer string

	Logger *slog.Logger
}

// Gateway authenticates inbound requests. Stateless and safe for
// concurrent use; all state lives in the session store.
type Gateway struct {
	tokens         *tokens.Service
	ci             *ciauth.Verifier
	store          *sessions.Store
	audience       string
	ciAudience     string
	externalIssuer string
	log            *slog.Logger
}

// New validates cfg and builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("auth: token service required")
	}
	if cfg.CI == nil {
		return nil, errors.New("auth: ci verifier required")
	}
	if cfg.Store == nil {
		return nil, errors.New("auth: session store required")
	}
	if cfg.Audience == "" || cfg.CIAudience == "" {
		return nil, errors.New("auth: audiences required")
	}
	if cfg.ExternalIssuer == "" {
		cfg.ExternalIssuer = ciauth.GitHubIssuer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		tokens:         cfg.Tokens,
		ci:             cfg.CI,
		store:          cfg.Store,
		audience:       cfg.Audience,
		ciAudience:     cfg.CIAudience,
		externalIssuer: cfg.ExternalIssuer,
		log:            log,
	}, nil
}

// Option adjusts a single Authenticate call.
type Option func(*callOptions)

type callOptions struct {
	sessionID string
	attest    bool
}

// WithSessionID supplies the session id the request claims to act on. The
// first-party path checks it against the token's own session binding; the
// external path requires it, since CI identity tokens carry no session
// reference of their own.
func WithSessionID(id string) Option {
	return func(o *callOptions) { o.sessionID = id }
}

// ForAttestation marks the call as the runner's initial binding step: the
// session must still be awaiting a runner, and no stored run context is
// required yet.
func ForAttestation() Option {
	return func(o *callOptions) { o.attest = true }
}

// Authenticate extracts the bearer credential from the Authorization
// header value, classifies it, dispatches to exactly one verifier, and
// cross-checks the live session. On success it returns the normalized
// Context; on failure the error preserves the originating verifier's kind.
func (g *Gateway) Authenticate(ctx context.Context, authorization string, opts ...Option) (*Context, error) {
	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}

	tok, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}

	switch classify(tok, g.externalIssuer) {
	case credFirstParty:
		return g.authenticateFirstParty(ctx, tok, call)
	case credExternal:
		return g.authenticateExternal(ctx, tok, call)
	default:
		g.log.InfoContext(ctx, "auth.classify.fail")
		return nil, fmt.Errorf("%w: credential matches no known issuer", ErrMalformedCredential)
	}
}

func (g *Gateway) authenticateFirstParty(ctx context.Context, tok string, call callOptions) (*Context, error) {
	claims, err := g.tokens.Verify(tok, g.audience)
	if err != nil {
		g.log.InfoContext(ctx, "auth.verify.fail",
			slog.String("path", "first-party"), slog.String("err", err.Error()))
		return nil, err
	}
	if call.sessionID != "" && call.sessionID != claims.SessionID {
		return nil, fmt.Errorf("%w: token is bound to a different session", ErrSessionMismatch)
	}

	sess, err := g.store.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Nonce != claims.Nonce {
		// A token from an earlier lifecycle of this session id: the
		// stored nonce is the ground truth.
		g.log.WarnContext(ctx, "auth.nonce.mismatch", slog.String("session_id", sess.ID))
		return nil, fmt.Errorf("%w: nonce disagreement", ErrSessionMismatch)
	}
	if err := continuable(sess); err != nil {
		return nil, err
	}

	g.log.InfoContext(ctx, "auth.ok",
		slog.String("kind", string(KindInteractive)),
		slog.String("session_id", sess.ID),
		slog.String("user_id", claims.UserID))
	return &Context{
		Kind:        KindInteractive,
		ActorID:     claims.UserID,
		Session:     sess,
		TokenClaims: claims,
	}, nil
}

func (g *Gateway) authenticateExternal(ctx context.Context, tok string, call callOptions) (*Context, error) {
	rc, err := g.ci.Verify(ctx, tok, g.ciAudience)
	if err != nil {
		g.log.InfoContext(ctx, "auth.verify.fail",
			slog.String("path", "external"), slog.String("err", err.Error()))
		return nil, err
	}
	if call.sessionID == "" {
		return nil, fmt.Errorf("%w: no session correlated with CI credential", ErrSessionMismatch)
	}

	sess, err := g.store.Get(ctx, call.sessionID)
	if err != nil {
		return nil, err
	}
	if err := continuable(sess); err != nil {
		return nil, err
	}

	if call.attest {
		// Binding step: the session must still be waiting for its runner.
		if sess.Status != sessions.StatusPendingRunner {
			return nil, fmt.Errorf("%w: session is not awaiting attestation", ErrSessionMismatch)
		}
	} else {
		// Continuation: this specific run must be the one the session
		// delegated to, not merely a legitimate run from an allowed repo.
		bound := sess.ExternalRunContext
		if bound == nil || bound.Repository != rc.Repository || bound.RunID != rc.RunID {
			g.log.WarnContext(ctx, "auth.run.mismatch",
				slog.String("session_id", sess.ID),
				slog.String("repository", rc.Repository),
				slog.String("run_id", rc.RunID))
			return nil, fmt.Errorf("%w: run is not bound to this session", ErrSessionMismatch)
		}
	}

	g.log.InfoContext(ctx, "auth.ok",
		slog.String("kind", string(KindAutomated)),
		slog.String("session_id", sess.ID),
		slog.String("repository", rc.Repository),
		slog.String("run_id", rc.RunID))
	return &Context{
		Kind:      KindAutomated,
		ActorID:   rc.Repository + "#" + rc.RunID,
		Session:   sess,
		RunClaims: rc,
	}, nil
}

// continuable rejects operations against sessions whose delegation has
// been revoked by a failed/aborted transition. Completed sessions stay
// readable so runners and users can fetch results.
func continuable(sess *sessions.PublishSession) error {
	if sess.Status == sessions.StatusFailed || sess.Status == sessions.StatusAborted {
		return fmt.Errorf("%w: session is %s", ErrSessionMismatch, sess.Status)
	}
	return nil
}

type credClass int

const (
	credUnknown credClass = iota
	credFirstParty
	credExternal
)

// classify inspects unverified structure only: the kid prefix marks
// first-party tokens, the issuer string marks external ones. The result
// routes the credential; it never contributes trust.
func classify(tok, externalIssuer string) credClass {
	parsed, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return credUnknown
	}
	if kid, _ := parsed.Header["kid"].(string); strings.HasPrefix(kid, tokens.KeyIDPrefix) {
		return credFirstParty
	}
	if iss, _ := parsed.Claims.GetIssuer(); iss == externalIssuer {
		return credExternal
	}
	return credUnknown
}

// bearerToken pulls the token out of an Authorization header value.
func bearerToken(authorization string) (string, error) {
	if authorization == "" {
		return "", ErrMissingCredential
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", fmt.Errorf("%w: authorization scheme is not Bearer", ErrMalformedCredential)
	}
	tok := strings.TrimSpace(authorization[len(prefix):])
	if tok == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrMalformedCredential)
	}
	return tok, nil
}
