package auth

import (
	"github.com/draftforge/handoff-go/ciauth"
	"github.com/draftforge/handoff-go/sessions"
	"github.com/draftforge/handoff-go/tokens"
)

// Kind distinguishes the two caller populations downstream handlers care
// about. Handlers otherwise treat a Context uniformly.
type Kind string

const (
	// KindInteractive marks callers holding a Combined Token: they act on
	// behalf of the first-party user session that delegated the publish.
	KindInteractive Kind = "interactive"
	// KindAutomated marks callers attested directly by the external CI
	// issuer.
	KindAutomated Kind = "automated"
)

// Context is the normalized output of a successful trust decision. Exactly
// one of TokenClaims/RunClaims is set, matching Kind.
type Context struct {
	Kind    Kind
	ActorID string

	// Session is the live, cross-checked publish session.
	Session *sessions.PublishSession

	TokenClaims *tokens.Claims
	RunClaims   *ciauth.RunClaims
}

// SessionID is a convenience accessor for the bound session's id.
func (c *Context) SessionID() string {
	if c.Session == nil {
		return ""
	}
	return c.Session.ID
}
