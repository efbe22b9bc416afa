package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/draftforge/handoff-go/auth"
	"github.com/draftforge/handoff-go/ciauth"
	"github.com/draftforge/handoff-go/internal/logctx"
	"github.com/draftforge/handoff-go/sessions"
	"github.com/draftforge/handoff-go/tokens"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// Deps are the wired collaborators for a Handler. All fields are required
// except Logger.
type Deps struct {
	Tokens  *tokens.Service
	Gateway *auth.Gateway
	Store   *sessions.Store
	Logger  *slog.Logger
}

// Handler is the HTTP surface of the publish handoff service.
type Handler struct {
	mux    *http.ServeMux
	log    *slog.Logger
	tokens *tokens.Service
	gw     *auth.Gateway
	store  *sessions.Store
}

// NewHandler builds the route table over deps.
func NewHandler(deps Deps) (*Handler, error) {
	if deps.Tokens == nil || deps.Gateway == nil || deps.Store == nil {
		return nil, errors.New("httpapi: tokens, gateway and store are all required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = slog.New(logctx.Handler{Handler: log.Handler()})

	h := &Handler{
		log:    log,
		tokens: deps.Tokens,
		gw:     deps.Gateway,
		store:  deps.Store,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/publish", h.handleCreate)
	mux.HandleFunc("POST /v1/publish/{id}/attest", h.handleAttest)
	mux.HandleFunc("PATCH /v1/publish/{id}", h.handleUpdate)
	mux.HandleFunc("GET /v1/publish/{id}", h.handleGet)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

type createRequest struct {
	UserID    string            `json:"userId"`
	ContentID string            `json:"contentId"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// grantResponse is returned wherever a Combined Token is minted.
type grantResponse struct {
	SessionID string                   `json:"sessionId"`
	Token     string                   `json:"token"`
	ExpiresAt time.Time                `json:"expiresAt"`
	Session   *sessions.PublishSession `json:"session"`
}

// handleCreate starts a publish handoff: it creates the session and mints
// the first Combined Token. Authentication of the interactive app user
// happens upstream; this endpoint trusts its caller's identity assertion.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.publish.create.start")

	var req createRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	sess, err := h.store.Create(ctx, sessions.NewSession{
		UserID:    req.UserID,
		ContentID: req.ContentID,
		Meta:      req.Metadata,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	tok, err := h.tokens.Issue(tokens.IssueRequest{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ContentID: sess.ContentID,
		Nonce:     sess.Nonce,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	h.log.InfoContext(ctx, "http.publish.create.ok", slog.String("session_id", sess.ID))
	h.writeJSON(w, http.StatusCreated, grantResponse{
		SessionID: sess.ID,
		Token:     tok,
		ExpiresAt: time.Now().Add(h.tokens.TTL()).UTC(),
		Session:   sess,
	})
}

// handleAttest binds a CI workflow run to a pending session. The caller
// authenticates with its CI identity token; on success the session moves
// to runner-attested, records the run context, and a fresh Combined Token
// embedding that context is returned for the rest of the run.
func (h *Handler) handleAttest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	h.log.InfoContext(ctx, "http.publish.attest.start", slog.String("session_id", id))

	ac, err := h.gw.Authenticate(ctx, r.Header.Get(authorizationHeader),
		auth.WithSessionID(id), auth.ForAttestation())
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	attested := sessions.StatusRunnerAttested
	sess, err := h.store.Update(ctx, id, sessions.Update{
		Status:     &attested,
		RunContext: ac.RunClaims.RunContext(),
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	tok, err := h.tokens.Issue(tokens.IssueRequest{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		ContentID:  sess.ContentID,
		Nonce:      sess.Nonce,
		RunContext: sess.ExternalRunContext,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	h.log.InfoContext(ctx, "http.publish.attest.ok",
		slog.String("session_id", sess.ID),
		slog.String("actor", ac.ActorID))
	h.writeJSON(w, http.StatusOK, grantResponse{
		SessionID: sess.ID,
		Token:     tok,
		ExpiresAt: time.Now().Add(h.tokens.TTL()).UTC(),
		Session:   sess,
	})
}

type updateRequest struct {
	Status   *string           `json:"status"`
	Progress *int              `json:"progress"`
	Phase    *string           `json:"phase"`
	Message  *string           `json:"message"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Error    json.RawMessage   `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	ac, err := h.gw.Authenticate(ctx, r.Header.Get(authorizationHeader), auth.WithSessionID(id))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	ctx = logctx.WithPublishData(ctx, &logctx.PublishData{
		SessionID: id,
		ActorID:   ac.ActorID,
		Kind:      string(ac.Kind),
		Status:    string(ac.Session.Status),
	})

	var req updateRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	upd := sessions.Update{
		Progress: req.Progress,
		Phase:    req.Phase,
		Message:  req.Message,
		Result:   req.Result,
		Error:    req.Error,
		Meta:     req.Metadata,
	}
	if req.Status != nil {
		st := sessions.Status(*req.Status)
		upd.Status = &st
	}

	sess, err := h.store.Update(ctx, id, upd)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	h.log.InfoContext(ctx, "http.publish.update.ok",
		slog.String("session_id", sess.ID),
		slog.String("status", string(sess.Status)))
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	ac, err := h.gw.Authenticate(ctx, r.Header.Get(authorizationHeader), auth.WithSessionID(id))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ac.Session)
}

// readJSON enforces the JSON content type and decodes the body into dst.
// It writes the error response itself and reports whether to continue.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.writeErrorCode(w, http.StatusUnsupportedMediaType, "unsupported_media_type",
			"content-type must be application/json")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses and stable machine
// codes. 401s carry a Bearer challenge.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	if status == http.StatusUnauthorized {
		w.Header().Set(wwwAuthenticateHeader, bearerChallenge(code, err))
	}
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "http.error", slog.String("err", err.Error()))
		h.writeErrorCode(w, status, code, "internal error")
		return
	}
	h.log.InfoContext(ctx, "http.reject",
		slog.String("code", code), slog.Int("status", status))
	h.writeErrorCode(w, status, code, err.Error())
}

func (h *Handler) writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

// classifyError folds the package error taxonomy into transport terms.
func classifyError(err error) (status int, code string) {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return http.StatusUnauthorized, "missing_credential"
	case errors.Is(err, auth.ErrMalformedCredential):
		return http.StatusUnauthorized, "malformed_credential"
	case errors.Is(err, tokens.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, tokens.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, tokens.ErrInvalidAudience):
		return http.StatusUnauthorized, "invalid_audience"
	case errors.Is(err, tokens.ErrInvalidClaims):
		return http.StatusUnauthorized, "invalid_claims"
	case errors.Is(err, ciauth.ErrRepositoryNotAllowed),
		errors.Is(err, ciauth.ErrRefNotAllowed),
		errors.Is(err, ciauth.ErrWorkflowNotAllowed):
		return http.StatusForbidden, "run_not_allowed"
	case errors.Is(err, auth.ErrSessionMismatch):
		return http.StatusForbidden, "session_mismatch"
	case errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, sessions.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, sessions.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, sessions.ErrInvalidUpdate):
		return http.StatusBadRequest, "invalid_update"
	case errors.Is(err, ciauth.ErrKeySetUnavailable):
		return http.StatusServiceUnavailable, "key_set_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// bearerChallenge builds the WWW-Authenticate value for a 401 per RFC 6750.
func bearerChallenge(code string, err error) string {
	oauthErr := "invalid_token"
	if code == "missing_credential" {
		return "Bearer"
	}
	if code == "malformed_credential" {
		oauthErr = "invalid_request"
	}
	esc := func(v string) string {
		out := make([]byte, 0, len(v))
		for i := 0; i < len(v); i++ {
			if v[i] == '"' || v[i] == '\\' {
				out = append(out, '\\')
			}
			out = append(out, v[i])
		}
		return string(out)
	}
	return fmt.Sprintf(`Bearer error="%s", error_description="%s"`, oauthErr, esc(err.Error()))
}
