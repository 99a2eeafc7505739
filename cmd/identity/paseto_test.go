package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasetoRoundTrip(t *testing.T) {
	t.Parallel()

	iss, err := NewPasetoIssuer("", "trendnet-test", time.Minute)
	require.NoError(t, err)

	reg, err := NewPasetoRegistry(PasetoConfig{PublicKeyHex: iss.PublicKeyHex(), Issuer: "trendnet-test"})
	require.NoError(t, err)

	tok, err := iss.Issue(Participant{ID: "bot-addison_jane", DisplayName: "@addison", Automated: true}, time.Now())
	require.NoError(t, err)

	p, err := reg.Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, Participant{ID: "bot-addison_jane", DisplayName: "addison", Automated: true}, p)
}

func TestPasetoRejects(t *testing.T) {
	t.Parallel()

	iss, err := NewPasetoIssuer("", "trendnet-test", time.Minute)
	require.NoError(t, err)
	other, err := NewPasetoIssuer("", "trendnet-test", time.Minute)
	require.NoError(t, err)

	reg, err := NewPasetoRegistry(PasetoConfig{PublicKeyHex: iss.PublicKeyHex(), Issuer: "trendnet-test"})
	require.NoError(t, err)

	expired, err := iss.Issue(Participant{ID: "alice", DisplayName: "Alice"}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	foreign, err := other.Issue(Participant{ID: "alice", DisplayName: "Alice"}, time.Now())
	require.NoError(t, err)

	for name, tok := range map[string]string{"empty": "", "garbage": "v4.public.nope", "expired": expired, "foreign key": foreign} {
		_, err := reg.Resolve(context.Background(), tok)
		assert.True(t, IsUnauthorized(err), name)
	}
}

func TestNewPasetoRegistryBadKey(t *testing.T) {
	t.Parallel()

	_, err := NewPasetoRegistry(PasetoConfig{PublicKeyHex: "zz"})
	assert.True(t, IsInvalidInput(err))
}
