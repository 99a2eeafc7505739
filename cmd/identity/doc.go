// Package identity resolves opaque connection tokens to participants.
//
// Token issuance is an external concern. The package offers a MemoryRegistry
// for development and tests, and a PasetoRegistry that verifies externally
// issued PASETO v4.public tokens. Both resolve to a Participant; automated
// content producers are ordinary participants with the Automated flag set.
package identity
