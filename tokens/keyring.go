package tokens

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
)

// KeyIDPrefix marks every kid this keyring produces. The Auth Gateway uses
// it as the structural classification hint for first-party tokens; it
// never factors into the trust decision itself.
const KeyIDPrefix = "handoff-"

// Keyring holds the key material the token service signs and verifies
// with. Exactly one key is active for signing; retired public keys stay
// registered so tokens issued before a rotation still verify (the kid in
// the token header selects the key).
//
// Two modes exist: RSA (RS256, preferred — verifiers only ever need the
// public half) and shared-secret (HS256, for constrained deployments).
// A single Keyring is in exactly one mode.
type Keyring struct {
	mu        sync.RWMutex
	activeKid string
	rsaPriv   map[string]*rsa.PrivateKey
	rsaPub    map[string]*rsa.PublicKey
	secrets   map[string][]byte

	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// NewRSAKeyring creates a keyring in RSA mode with priv as the active key.
// The kid is derived from the public key fingerprint and carries
// KeyIDPrefix.
func NewRSAKeyring(priv *rsa.PrivateKey) (*Keyring, error) {
	if priv == nil {
		return nil, fmt.Errorf("tokens: private key required")
	}
	k := &Keyring{
		rsaPriv: make(map[string]*rsa.PrivateKey),
		rsaPub:  make(map[string]*rsa.PublicKey),
		log:     slog.New(slog.DiscardHandler),
	}
	kid, err := k.addRSA(priv)
	if err != nil {
		return nil, err
	}
	k.activeKid = kid
	return k, nil
}

// NewHMACKeyring creates a keyring in shared-secret mode. kid is a stable
// label for the secret (rotations register a new label); KeyIDPrefix is
// prepended if absent.
func NewHMACKeyring(kid string, secret []byte) (*Keyring, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("tokens: shared secret must be at least 32 bytes")
	}
	kid = withPrefix(kid)
	return &Keyring{
		activeKid: kid,
		secrets:   map[string][]byte{kid: append([]byte(nil), secret...)},
		log:       slog.New(slog.DiscardHandler),
	}, nil
}

// KeyringOption configures file-based keyring loading.
type KeyringOption func(*keyringConfig)

type keyringConfig struct {
	watch bool
	log   *slog.Logger
}

// WithReload watches the key file and swaps in new key material when it
// changes, so rotation does not require a restart. Previously loaded
// public keys are retained for verification.
func WithReload() KeyringOption {
	return func(c *keyringConfig) { c.watch = true }
}

// WithKeyringLogger sets the logger for load/reload events.
func WithKeyringLogger(log *slog.Logger) KeyringOption {
	return func(c *keyringConfig) { c.log = log }
}

// LoadRSAKeyringFromFile reads a PEM-encoded RSA private key and builds an
// RSA-mode keyring around it. Construction fails if the file is missing or
// unparsable; there is no lazy first-use initialization.
func LoadRSAKeyringFromFile(path string, opts ...KeyringOption) (*Keyring, error) {
	cfg := keyringConfig{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}

	priv, err := readRSAKeyFile(path)
	if err != nil {
		return nil, err
	}
	k, err := NewRSAKeyring(priv)
	if err != nil {
		return nil, err
	}
	k.log = cfg.log

	if cfg.watch {
		if err := k.watch(path); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// ActiveKeyID returns the kid the next Issue call will sign under.
func (k *Keyring) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeKid
}

// signingMethod returns the JWS algorithm for this keyring's mode.
func (k *Keyring) signingMethod() jwt.SigningMethod {
	if k.secrets != nil {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodRS256
}

// signingKey returns the active kid and private key material.
func (k *Keyring) signingKey() (string, any, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.activeKid == "" {
		return "", nil, fmt.Errorf("tokens: no active signing key")
	}
	if k.secrets != nil {
		return k.activeKid, k.secrets[k.activeKid], nil
	}
	priv, ok := k.rsaPriv[k.activeKid]
	if !ok {
		return "", nil, fmt.Errorf("tokens: active kid %s not found", k.activeKid)
	}
	return k.activeKid, priv, nil
}

// verificationKey resolves the key for a token's kid header.
func (k *Keyring) verificationKey(kid string) (any, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.secrets != nil {
		if sec, ok := k.secrets[kid]; ok {
			return sec, nil
		}
		return nil, fmt.Errorf("unknown kid: %s", kid)
	}
	if pub, ok := k.rsaPub[kid]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("unknown kid: %s", kid)
}

// RotateRSA registers priv and makes it the active signing key. The old
// public key stays available for verification until its tokens expire.
func (k *Keyring) RotateRSA(priv *rsa.PrivateKey) (string, error) {
	if k.secrets != nil {
		return "", fmt.Errorf("tokens: cannot add RSA key to a shared-secret keyring")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	kid, err := k.addRSA(priv)
	if err != nil {
		return "", err
	}
	k.activeKid = kid
	return kid, nil
}

// Close stops the file watcher if one is running.
func (k *Keyring) Close() error {
	if k.watcher != nil {
		return k.watcher.Close()
	}
	return nil
}

// addRSA registers the key pair under its fingerprint kid. Caller holds
// the lock (or is the constructor).
func (k *Keyring) addRSA(priv *rsa.PrivateKey) (string, error) {
	kid, err := rsaKeyID(&priv.PublicKey)
	if err != nil {
		return "", err
	}
	k.rsaPriv[kid] = priv
	k.rsaPub[kid] = &priv.PublicKey
	return kid, nil
}

func (k *Keyring) watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tokens: create key watcher: %w", err)
	}
	// Watch the directory: editors and secret mounts replace files rather
	// than writing in place, which drops the watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("tokens: watch key dir: %w", err)
	}
	k.watcher = w

	go func() {
		base := filepath.Base(path)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				priv, err := readRSAKeyFile(path)
				if err != nil {
					k.log.Error("keyring.reload.fail", slog.String("path", path), slog.String("err", err.Error()))
					continue
				}
				kid, err := k.RotateRSA(priv)
				if err != nil {
					k.log.Error("keyring.reload.fail", slog.String("path", path), slog.String("err", err.Error()))
					continue
				}
				k.log.Info("keyring.reload", slog.String("kid", kid))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				k.log.Error("keyring.watch.err", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

func readRSAKeyFile(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokens: read key file: %w", err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("tokens: parse key file %s: %w", path, err)
	}
	return priv, nil
}

// rsaKeyID derives a stable kid from the public key: KeyIDPrefix plus the
// first 8 bytes of the SHA-256 of the DER encoding.
func rsaKeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("tokens: fingerprint public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return KeyIDPrefix + hex.EncodeToString(sum[:8]), nil
}

func withPrefix(kid string) string {
	if len(kid) >= len(KeyIDPrefix) && kid[:len(KeyIDPrefix)] == KeyIDPrefix {
		return kid
	}
	return KeyIDPrefix + kid
}
