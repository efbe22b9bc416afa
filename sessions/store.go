package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultActiveTTL is the retention window for sessions that are still
	// in flight. A session that sees no terminal transition within it is
	// reaped by the host.
	DefaultActiveTTL = 24 * time.Hour

	// DefaultRetentionTTL is the longer window terminal sessions are kept
	// for audit and debugging before the host reaps them.
	DefaultRetentionTTL = 7 * 24 * time.Hour

	// casRetries bounds how many times Update re-reads and retries after
	// losing a conditional write to a concurrent updater.
	casRetries = 3
)

// NewSession carries the caller-supplied fields for Store.Create.
type NewSession struct {
	UserID    string
	ContentID string
	Meta      map[string]string
}

// Update is a partial mutation applied by Store.Update. Nil pointer fields
// are left untouched; Meta is shallow-merged into the stored metadata.
type Update struct {
	Status     *Status
	Progress   *int
	Phase      *string
	Message    *string
	RunContext *RunContext
	Result     json.RawMessage
	Error      json.RawMessage
	Meta       map[string]string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithActiveTTL overrides the TTL applied to non-terminal sessions.
func WithActiveTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.activeTTL = d }
}

// WithRetentionTTL overrides the TTL applied once a session goes terminal.
func WithRetentionTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.retentionTTL = d }
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// Store layers publish-session semantics on a Host: id and nonce
// generation, transition validation, metadata merging, and the TTL policy
// that keeps terminal sessions around longer than active ones.
type Store struct {
	host         Host
	log          *slog.Logger
	activeTTL    time.Duration
	retentionTTL time.Duration
}

// NewStore builds a Store on top of host.
func NewStore(host Host, opts ...StoreOption) *Store {
	s := &Store{
		host:         host,
		log:          slog.New(slog.DiscardHandler),
		activeTTL:    DefaultActiveTTL,
		retentionTTL: DefaultRetentionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create writes a new session in state pending-runner under the active
// TTL and returns it. The id and nonce are generated here and never
// change.
func (s *Store) Create(ctx context.Context, ns NewSession) (*PublishSession, error) {
	if ns.UserID == "" {
		return nil, fmt.Errorf("%w: userId required", ErrInvalidUpdate)
	}
	if ns.ContentID == "" {
		return nil, fmt.Errorf("%w: contentId required", ErrInvalidUpdate)
	}

	now := time.Now().UTC()
	sess := &PublishSession{
		ID:        uuid.NewString(),
		UserID:    ns.UserID,
		ContentID: ns.ContentID,
		Nonce:     uuid.NewString(),
		Status:    StatusPendingRunner,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if len(ns.Meta) > 0 {
		sess.Meta = make(map[string]string, len(ns.Meta))
		for k, v := range ns.Meta {
			sess.Meta[k] = v
		}
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.host.PutSession(ctx, sess.ID, payload, 0, s.activeTTL); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "session.create",
		slog.String("session_id", sess.ID),
		slog.String("user_id", sess.UserID),
		slog.String("content_id", sess.ContentID))
	return sess, nil
}

// Get returns the current session, or ErrSessionNotFound once it has
// expired or been deleted.
func (s *Store) Get(ctx context.Context, id string) (*PublishSession, error) {
	rec, err := s.host.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeSession(rec)
}

// Update applies a partial update through a read-validate-write cycle with
// a conditional write. A status present in upd is validated against the
// transition table with the stored status as the source; on violation
// nothing is written and an *InvalidTransitionError is returned. Losing
// the conditional write to a concurrent updater triggers a bounded
// re-read-and-retry; if retries are exhausted the conflict surfaces as
// ErrVersionConflict.
func (s *Store) Update(ctx context.Context, id string, upd Update) (*PublishSession, error) {
	if err := validateUpdate(upd); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		rec, err := s.host.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sess, err := decodeSession(rec)
		if err != nil {
			return nil, err
		}

		if upd.Status != nil && !CanTransition(sess.Status, *upd.Status) {
			return nil, &InvalidTransitionError{From: sess.Status, To: *upd.Status}
		}
		if sess.Status.Terminal() && mutatesOutcome(upd) {
			// The terminal record is the audit trail of the publish;
			// only metadata may still be annotated.
			return nil, fmt.Errorf("%w: session is %s", ErrInvalidUpdate, sess.Status)
		}

		apply(sess, upd)
		sess.UpdatedAt = time.Now().UTC()
		sess.Version = rec.Version + 1

		ttl := s.activeTTL
		if sess.Status.Terminal() {
			ttl = s.retentionTTL
		}

		payload, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("marshal session: %w", err)
		}
		err = s.host.PutSession(ctx, id, payload, rec.Version, ttl)
		if err == nil {
			s.log.InfoContext(ctx, "session.update",
				slog.String("session_id", id),
				slog.String("status", string(sess.Status)),
				slog.Int("progress", sess.Progress))
			return sess, nil
		}
		if errors.Is(err, ErrVersionConflict) && attempt < casRetries {
			s.log.DebugContext(ctx, "session.update.conflict",
				slog.String("session_id", id),
				slog.Int("attempt", attempt+1))
			continue
		}
		return nil, err
	}
}

// Delete removes the session, revoking any outstanding tokens bound to it
// server-side: the gateway's session cross-check fails once the record is
// gone.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.host.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "session.delete", slog.String("session_id", id))
	return nil
}

// TTL exposes the remaining host TTL for a session. Useful for audit
// tooling; sessions expire without any explicit signal otherwise.
func (s *Store) TTL(ctx context.Context, id string) (time.Duration, error) {
	return s.host.SessionTTL(ctx, id)
}

func validateUpdate(upd Update) error {
	if upd.Status != nil && !upd.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, *upd.Status)
	}
	if upd.Progress != nil && (*upd.Progress < 0 || *upd.Progress > 100) {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidUpdate, *upd.Progress)
	}
	if len(upd.Result) > 0 && len(upd.Error) > 0 {
		return fmt.Errorf("%w: result and error are mutually exclusive", ErrInvalidUpdate)
	}
	return nil
}

// mutatesOutcome reports whether upd touches anything beyond metadata.
func mutatesOutcome(upd Update) bool {
	return upd.Progress != nil || upd.Phase != nil || upd.Message != nil ||
		upd.RunContext != nil || len(upd.Result) > 0 || len(upd.Error) > 0
}

func apply(sess *PublishSession, upd Update) {
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.Progress != nil {
		sess.Progress = *upd.Progress
	}
	if upd.Phase != nil {
		sess.Phase = *upd.Phase
	}
	if upd.Message != nil {
		sess.Message = *upd.Message
	}
	if upd.RunContext != nil {
		rc := *upd.RunContext
		sess.ExternalRunContext = &rc
	}
	if len(upd.Result) > 0 {
		sess.Result = append(json.RawMessage(nil), upd.Result...)
	}
	if len(upd.Error) > 0 {
		sess.Error = append(json.RawMessage(nil), upd.Error...)
	}
	if len(upd.Meta) > 0 {
		if sess.Meta == nil {
			sess.Meta = make(map[string]string, len(upd.Meta))
		}
		for k, v := range upd.Meta {
			sess.Meta[k] = v
		}
	}
}

func decodeSession(rec Record) (*PublishSession, error) {
	var sess PublishSession
	if err := json.Unmarshal(rec.Payload, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	sess.Version = rec.Version
	return &sess, nil
}
