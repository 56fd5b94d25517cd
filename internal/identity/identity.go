// Package identity issues and verifies the registry's own session
// credentials: a signed JWT carried in the portal session cookie and
// reused as the OAuth "state" parameter during login.
//
// This is distinct from the bot-facing Ed25519 signature scheme in
// internal/sigbase and internal/verifier, which authenticate agents to
// the origin; UserTokenIssuer instead authenticates a human back to the
// registry's own portal/CLI surface, so it carries its own RSA keypair
// rather than the agent-facing Ed25519 CA key.
package identity
