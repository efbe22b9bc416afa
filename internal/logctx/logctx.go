// Package logctx enriches slog records with request- and session-scoped
// attributes carried on the context, so handlers never thread ids by hand.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if pd, ok := ctx.Value(publishDataKey{}).(*PublishData); ok {
		r.AddAttrs(slog.Group("publish",
			slog.String("session_id", pd.SessionID),
			slog.String("actor", pd.ActorID),
			slog.String("kind", pd.Kind),
			slog.String("status", pd.Status),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type publishDataKey struct{}

type PublishData struct {
	SessionID string
	ActorID   string
	Kind      string
	Status    string
}

func WithPublishData(ctx context.Context, data *PublishData) context.Context {
	return context.WithValue(ctx, publishDataKey{}, data)
}
