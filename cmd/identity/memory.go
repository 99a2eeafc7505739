package identity

import (
	"context"
	"strings"
	"sync"

	sectoken "trendnet/cmd/security/token"
)

// MemoryRegistry is an in-process Registry and Directory.
// Tokens are stored hashed; plain tokens are never kept.
type MemoryRegistry struct {
	hasher sectoken.Hasher

	mu      sync.RWMutex
	byToken map[string]string
	byID    map[string]Participant
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithTokenHasher overrides the default SHA-256 token hashing.
func WithTokenHasher(h sectoken.Hasher) MemoryOption {
	return func(r *MemoryRegistry) { r.hasher = h }
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		byToken: make(map[string]string),
		byID:    make(map[string]Participant),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a participant without issuing a token.
func (r *MemoryRegistry) Register(p Participant) (Participant, error) {
	if err := p.Validate(); err != nil {
		return Participant{}, err
	}
	p = p.normalized()

	r.mu.Lock()
	r.byID[p.ID] = p
	r.mu.Unlock()
	return p, nil
}

// Issue registers p and returns a fresh opaque token for it.
func (r *MemoryRegistry) Issue(p Participant) (string, error) {
	p, err := r.Register(p)
	if err != nil {
		return "", err
	}

	tok, err := NewOpaqueToken(32)
	if err != nil {
		return "", err
	}
	r.Bind(tok, p.ID)
	return tok, nil
}

// Bind associates a caller-chosen token with an already registered participant id.
func (r *MemoryRegistry) Bind(token, id string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	r.mu.Lock()
	r.byToken[r.hasher.Hash(token)] = NormalizeID(id)
	r.mu.Unlock()
}

// Resolve implements Registry.
func (r *MemoryRegistry) Resolve(ctx context.Context, token string) (Participant, error) {
	const op = "identity.MemoryRegistry.Resolve"
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return Participant{}, unauthorized(op)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byToken[r.hasher.Hash(token)]
	if !ok {
		return Participant{}, unauthorized(op)
	}
	p, ok := r.byID[id]
	if !ok {
		return Participant{}, unauthorized(op)
	}
	return p, nil
}

// Lookup implements Directory.
func (r *MemoryRegistry) Lookup(ctx context.Context, id string) (Participant, error) {
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}

	r.mu.RLock()
	p, ok := r.byID[NormalizeID(id)]
	r.mu.RUnlock()
	if !ok {
		return Participant{}, opErr("identity.MemoryRegistry.Lookup", ErrNotFound, "")
	}
	return p, nil
}

// ParseDevTokens parses "token=id:Display Name[:bot],..." into registrations.
func ParseDevTokens(raw string) (map[string]Participant, error) {
	out := make(map[string]Participant)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		tok, rest, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(tok) == "" {
			return nil, opErr("identity.ParseDevTokens", ErrInvalidInput, "want token=id:name")
		}

		parts := strings.Split(rest, ":")
		if len(parts) < 2 {
			return nil, opErr("identity.ParseDevTokens", ErrInvalidInput, "want token=id:name")
		}

		p := Participant{ID: parts[0], DisplayName: parts[1]}
		if len(parts) > 2 && strings.EqualFold(strings.TrimSpace(parts[2]), "bot") {
			p.Automated = true
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[strings.TrimSpace(tok)] = p.normalized()
	}
	return out, nil
}
