// Package tokens issues and verifies Combined Tokens: the short-lived
// signed credential binding a publish session to the actor the session
// delegated its work to. A Combined Token gets a CI runner through the
// initial handshake; the session record, not the token, governs the rest
// of the job, which is why the default lifetime is deliberately short.
//
// Verification here is a pure function of the token and the keyring. The
// session cross-check (does the session still exist, does its nonce match)
// is the Auth Gateway's job, so the two concerns stay independently
// testable.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/draftforge/handoff-go/sessions"
)

const (
	// ScopePublish is the only scope a Combined Token ever carries. The
	// token is a publish delegation credential, not a general-purpose one.
	ScopePublish = "publish"

	// DefaultTTL is the issue-time lifetime when the caller does not set
	// one.
	DefaultTTL = 15 * time.Minute

	// DefaultLeeway absorbs clock drift between the issuing server and the
	// verifying worker.
	DefaultLeeway = 30 * time.Second
)

// Claims is the Combined Token claim set. The registered subject always
// equals SessionID; the jti is random for future revocation bookkeeping.
type Claims struct {
	jwt.RegisteredClaims

	SessionID  string               `json:"sessionId"`
	UserID     string               `json:"userId"`
	ContentID  string               `json:"contentId"`
	Nonce      string               `json:"nonce"`
	Scope      string               `json:"scope"`
	RunContext *sessions.RunContext `json:"externalRunContext,omitempty"`
}

// Config for a token Service.
type Config struct {
	// Issuer is this deployment's issuer string.
	Issuer string
	// Audience is the value minted into (and required from) every token.
	// Exact match only: a token minted for one environment must not
	// validate against another.
	Audience string
	// TTL defaults to DefaultTTL when zero.
	TTL time.Duration
	// Leeway defaults to DefaultLeeway when zero.
	Leeway time.Duration
}

// Service mints and verifies Combined Tokens with a Keyring. It is
// stateless and safe for concurrent use.
type Service struct {
	cfg  Config
	keys *Keyring
}

// NewService validates cfg and builds a Service. Missing issuer, audience
// or keyring is a configuration error and fails here, at startup.
func NewService(cfg Config, keys *Keyring) (*Service, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("tokens: issuer required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("tokens: audience required")
	}
	if keys == nil {
		return nil, errors.New("tokens: keyring required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	return &Service{cfg: cfg, keys: keys}, nil
}

// TTL reports the lifetime applied to tokens issued without an override.
func (s *Service) TTL() time.Duration {
	return s.cfg.TTL
}

// IssueRequest carries the session-derived fields for a new token.
type IssueRequest struct {
	SessionID string
	UserID    string
	ContentID string
	Nonce     string
	// TTL overrides the service default for this token only.
	TTL time.Duration
	// RunContext is embedded once the session has been attested.
	RunContext *sessions.RunContext
}

// Issue builds, signs and serializes a Combined Token. It has no side
// effect on the session; issuance and session creation compose in the
// caller.
func (s *Service) Issue(req IssueRequest) (string, error) {
	if req.SessionID == "" || req.UserID == "" || req.ContentID == "" || req.Nonce == "" {
		return "", errors.New("tokens: sessionId, userId, contentId and nonce are all required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   req.SessionID,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		ContentID:  req.ContentID,
		Nonce:      req.Nonce,
		Scope:      ScopePublish,
		RunContext: req.RunContext,
	}

	kid, key, err := s.keys.signingKey()
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(s.keys.signingMethod(), claims)
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("tokens: sign: %w", err)
	}
	return signed, nil
}

// Verify validates signature, issuer, audience (exact), expiry and the
// required custom claims, and returns the claim set. Failures map to the
// distinct error kinds in errors.go; callers discriminate with errors.Is.
func (s *Service) Verify(tokenStr, audience string) (*Claims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidClaims)
	}
	if audience == "" {
		return nil, fmt.Errorf("%w: audience required for verification", ErrInvalidAudience)
	}

	method := s.keys.signingMethod()
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithLeeway(s.cfg.Leeway),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return s.keys.verificationKey(kid)
	})
	if err != nil {
		return nil, mapJWTError(err)
	}

	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sessionId", ErrInvalidClaims)
	}
	if claims.Nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrInvalidClaims)
	}
	if claims.Scope != ScopePublish {
		return nil, fmt.Errorf("%w: scope %q is not %q", ErrInvalidClaims, claims.Scope, ScopePublish)
	}
	return &claims, nil
}

// mapJWTError folds the parser's error set into the package's distinct
// kinds. Order matters: jwt/v5 joins multiple validation errors and the
// most specific kind should win.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrInvalidAudience, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
}
