package identity

import (
	"context"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Token claims consumed by PasetoRegistry.
const (
	claimParticipantID = "pid"
	claimDisplayName   = "name"
	claimAutomated     = "bot"
)

// PasetoConfig configures PASETO v4.public verification.
type PasetoConfig struct {
	PublicKeyHex string
	Issuer       string
	ClockSkew    time.Duration
}

// PasetoRegistry verifies externally issued v4.public tokens.
type PasetoRegistry struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
	now       func() time.Time
}

// NewPasetoRegistry builds a verifier from an Ed25519 public key.
func NewPasetoRegistry(cfg PasetoConfig) (*PasetoRegistry, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(cfg.PublicKeyHex))
	if err != nil {
		return nil, opErr("identity.NewPasetoRegistry", ErrInvalidInput, "bad public key")
	}
	return &PasetoRegistry{
		issuer:    strings.TrimSpace(cfg.Issuer),
		clockSkew: cfg.ClockSkew,
		public:    public,
		now:       time.Now,
	}, nil
}

// Resolve implements Registry.
func (r *PasetoRegistry) Resolve(ctx context.Context, token string) (Participant, error) {
	const op = "identity.PasetoRegistry.Resolve"
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return Participant{}, unauthorized(op)
	}

	// Fresh parser per call; rules accumulate on a shared parser.
	p := paseto.NewParser()
	if r.issuer != "" {
		p.AddRule(paseto.IssuedBy(r.issuer))
	}
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(r.now().Add(r.clockSkew)))

	parsed, err := p.ParseV4Public(r.public, token, nil)
	if err != nil {
		return Participant{}, unauthorized(op)
	}

	pid, err := parsed.GetString(claimParticipantID)
	if err != nil || strings.TrimSpace(pid) == "" {
		return Participant{}, unauthorized(op)
	}
	name, err := parsed.GetString(claimDisplayName)
	if err != nil {
		name = pid
	}

	var automated bool
	_ = parsed.Get(claimAutomated, &automated)

	out := Participant{ID: pid, DisplayName: name, Automated: automated}
	if out.Validate() != nil {
		return Participant{}, unauthorized(op)
	}
	return out.normalized(), nil
}

// PasetoIssuer signs v4.public participant tokens. The production issuer is
// external; this one backs local tooling and tests.
type PasetoIssuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoIssuer loads a signer from a hex secret key, or generates one when empty.
func NewPasetoIssuer(secretKeyHex, issuer string, ttl time.Duration) (*PasetoIssuer, error) {
	var secret paseto.V4AsymmetricSecretKey
	if strings.TrimSpace(secretKeyHex) == "" {
		secret = paseto.NewV4AsymmetricSecretKey()
	} else {
		s, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretKeyHex))
		if err != nil {
			return nil, opErr("identity.NewPasetoIssuer", ErrInvalidInput, "bad secret key")
		}
		secret = s
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PasetoIssuer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// PublicKeyHex exports the verification key.
func (i *PasetoIssuer) PublicKeyHex() string {
	return i.secret.Public().ExportHex()
}

// Issue signs a token for p valid from now for the configured TTL.
func (i *PasetoIssuer) Issue(p Participant, now time.Time) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	p = p.normalized()

	tok := paseto.NewToken()
	if i.issuer != "" {
		tok.SetIssuer(i.issuer)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(i.ttl))
	tok.SetString(claimParticipantID, p.ID)
	tok.SetString(claimDisplayName, p.DisplayName)
	if err := tok.Set(claimAutomated, p.Automated); err != nil {
		return "", err
	}
	return tok.V4Sign(i.secret, nil), nil
}
