package identity

import "context"

// Participant is a stable (id, display name) pair bound to a session for its lifetime.
// Automated marks content producers that connect through the same interface as humans.
type Participant struct {
	ID          string
	DisplayName string
	Automated   bool
}

// Validate checks that the participant can be bound to a session.
func (p Participant) Validate() error {
	if NormalizeID(p.ID) == "" {
		return opErr("identity.Participant", ErrInvalidInput, "missing id")
	}
	if NormalizeDisplayName(p.DisplayName) == "" {
		return opErr("identity.Participant", ErrInvalidInput, "missing display name")
	}
	return nil
}

func (p Participant) normalized() Participant {
	return Participant{
		ID:          NormalizeID(p.ID),
		DisplayName: NormalizeDisplayName(p.DisplayName),
		Automated:   p.Automated,
	}
}

// Registry maps an opaque token to a participant. Resolve returns an
// ErrUnauthorized-kind error for any token it cannot vouch for.
type Registry interface {
	Resolve(ctx context.Context, token string) (Participant, error)
}

// Directory looks up known participants by id.
type Directory interface {
	Lookup(ctx context.Context, id string) (Participant, error)
}
