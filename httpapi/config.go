package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/draftforge/handoff-go/auth"
	"github.com/draftforge/handoff-go/ciauth"
	"github.com/draftforge/handoff-go/sessions"
	"github.com/draftforge/handoff-go/sessions/memoryhost"
	"github.com/draftforge/handoff-go/sessions/redishost"
	"github.com/draftforge/handoff-go/tokens"
)

// Config is the deployment surface of the publish handoff service. Every
// field decodes from the environment; required fields fail LoadConfig
// rather than surfacing later as a half-working server.
type Config struct {
	// ListenAddr for the HTTP server. ENV: HANDOFF_LISTEN_ADDR
	ListenAddr string `env:"HANDOFF_LISTEN_ADDR,default=:8080"`

	// Issuer string minted into Combined Tokens. ENV: HANDOFF_ISSUER
	Issuer string `env:"HANDOFF_ISSUER,required"`
	// Audience required on Combined Tokens. ENV: HANDOFF_AUDIENCE
	Audience string `env:"HANDOFF_AUDIENCE,required"`
	// SigningKeyFile is a PEM RSA private key; the file is watched and
	// reloaded on rotation. Exactly one of SigningKeyFile and
	// SigningSecret must be set. ENV: HANDOFF_SIGNING_KEY_FILE
	SigningKeyFile string `env:"HANDOFF_SIGNING_KEY_FILE"`
	// SigningSecret is an HMAC secret (32 bytes minimum) for deployments
	// without key files. ENV: HANDOFF_SIGNING_SECRET
	SigningSecret string `env:"HANDOFF_SIGNING_SECRET"`
	// TokenTTL for issued Combined Tokens. ENV: HANDOFF_TOKEN_TTL
	TokenTTL time.Duration `env:"HANDOFF_TOKEN_TTL,default=15m"`

	// CIIssuer is the external OIDC issuer. ENV: HANDOFF_CI_ISSUER
	CIIssuer string `env:"HANDOFF_CI_ISSUER,default=https://token.actions.githubusercontent.com"`
	// CIAudience required on CI identity tokens. ENV: HANDOFF_CI_AUDIENCE
	CIAudience string `env:"HANDOFF_CI_AUDIENCE,required"`
	// AllowedRepository like "org/repo". ENV: HANDOFF_ALLOWED_REPOSITORY
	AllowedRepository string `env:"HANDOFF_ALLOWED_REPOSITORY,required"`
	// AllowedRef optionally pins the git ref. ENV: HANDOFF_ALLOWED_REF
	AllowedRef string `env:"HANDOFF_ALLOWED_REF"`
	// AllowedWorkflow optionally pins the workflow name.
	// ENV: HANDOFF_ALLOWED_WORKFLOW
	AllowedWorkflow string `env:"HANDOFF_ALLOWED_WORKFLOW"`

	// RedisAddr selects the Redis session host when set; otherwise
	// sessions live in process memory. ENV: HANDOFF_REDIS_ADDR
	RedisAddr string `env:"HANDOFF_REDIS_ADDR"`
	// SessionTTL for active sessions. ENV: HANDOFF_SESSION_TTL
	SessionTTL time.Duration `env:"HANDOFF_SESSION_TTL,default=24h"`
	// SessionRetention for terminal sessions. ENV: HANDOFF_SESSION_RETENTION
	SessionRetention time.Duration `env:"HANDOFF_SESSION_RETENTION,default=168h"`
}

// LoadConfig reads and validates the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("httpapi: config: %w", err)
	}
	if (cfg.SigningKeyFile == "") == (cfg.SigningSecret == "") {
		return nil, errors.New("httpapi: config: exactly one of HANDOFF_SIGNING_KEY_FILE and HANDOFF_SIGNING_SECRET must be set")
	}
	return &cfg, nil
}

// New wires the full service from cfg: keyring, token service, CI
// verifier, session store and gateway, all failing fast here rather than
// on the first request.
func New(ctx context.Context, cfg *Config, log *slog.Logger) (*Handler, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	var (
		keys *tokens.Keyring
		err  error
	)
	switch {
	case cfg.SigningKeyFile != "":
		keys, err = tokens.LoadRSAKeyringFromFile(cfg.SigningKeyFile,
			tokens.WithReload(), tokens.WithKeyringLogger(log))
	case cfg.SigningSecret != "":
		keys, err = tokens.NewHMACKeyring("primary", []byte(cfg.SigningSecret))
	default:
		err = errors.New("httpapi: no signing key configured")
	}
	if err != nil {
		return nil, err
	}

	svc, err := tokens.NewService(tokens.Config{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		TTL:      cfg.TokenTTL,
	}, keys)
	if err != nil {
		return nil, err
	}

	ver, err := ciauth.New(ctx, ciauth.Config{
		Issuer:            cfg.CIIssuer,
		Audience:          cfg.CIAudience,
		AllowedRepository: cfg.AllowedRepository,
		AllowedRef:        cfg.AllowedRef,
		AllowedWorkflow:   cfg.AllowedWorkflow,
	})
	if err != nil {
		return nil, err
	}

	var host sessions.Host
	if cfg.RedisAddr != "" {
		host, err = redishost.New(redishost.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return nil, err
		}
	} else {
		host, err = memoryhost.New()
		if err != nil {
			return nil, err
		}
	}
	store := sessions.NewStore(host,
		sessions.WithActiveTTL(cfg.SessionTTL),
		sessions.WithRetentionTTL(cfg.SessionRetention),
		sessions.WithLogger(log))

	gw, err := auth.New(auth.Config{
		Tokens:         svc,
		CI:             ver,
		Store:          store,
		Audience:       cfg.Audience,
		CIAudience:     cfg.CIAudience,
		ExternalIssuer: cfg.CIIssuer,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	return NewHandler(Deps{
		Tokens:  svc,
		Gateway: gw,
		Store:   store,
		Logger:  log,
	})
}
