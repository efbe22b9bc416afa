// Package auth is the single entry point that turns an inbound bearer
// credential into one normalized authorization Context, or rejects the
// request.
//
// Two structurally different callers arrive here: the interactive
// first-party flow holding a Combined Token minted by this system, and an
// automated CI run holding an identity token minted by the external CI
// provider. The gateway classifies the credential once, from unverified
// structural hints (the key-id prefix of first-party tokens, the unverified
// issuer of external ones), then dispatches to exactly one verifier. A
// credential that fails its verifier is rejected outright - it is never
// retried against the other trust root, because an attacker who can steer
// a malformed token into a second verification path has doubled the attack
// surface. The classification is a routing hint only; trust comes solely
// from the verifier the credential is dispatched to.
//
// Verification of the credential alone is necessary but not sufficient.
// The gateway also resolves the live publish session and cross-checks it:
// the session must still exist, its stored nonce must equal the token's
// nonce (first-party path), or its bound run context must match the
// verified run identity (external path), and continuation is refused once
// the session is failed or aborted. This is what lets the server revoke a
// delegation by deleting or transitioning the session even though an
// already-issued token has not expired.
package auth
