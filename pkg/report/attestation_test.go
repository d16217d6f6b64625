package report

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuerFixture(t *testing.T) (*AttestationIssuer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return NewAttestationIssuer(priv, "warden",
		WithIssuerClock(func() time.Time { return now })), priv
}

func TestAttestationIssuer_IssueAndVerify(t *testing.T) {
	issuer, _ := issuerFixture(t)

	att, err := issuer.Issue("t1", "r1", Attestation{
		AttestedBy: "alice",
		Role:       "ciso",
		Statement:  "Controls operated effectively during the period.",
	})
	require.NoError(t, err)
	require.NotEmpty(t, att.Token)
	assert.NotEmpty(t, att.ID)
	assert.False(t, att.AttestedAt.IsZero())

	claims, err := issuer.Verify(att.Token)
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, "r1", claims.ReportID)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "warden", claims.Issuer)
	assert.Equal(t, "Controls operated effectively during the period.", claims.Statement)
}

func TestAttestationIssuer_RejectsForeignKey(t *testing.T) {
	issuer, _ := issuerFixture(t)
	other, _ := issuerFixture(t)

	att, err := other.Issue("t1", "r1", Attestation{AttestedBy: "mallory", Statement: "x"})
	require.NoError(t, err)

	_, err = issuer.Verify(att.Token)
	require.Error(t, err)
}

func TestAttestationIssuer_RejectsExpiredToken(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	issuer := NewAttestationIssuer(priv, "warden",
		WithIssuerClock(func() time.Time { return now }),
		WithTTL(time.Hour))

	att, err := issuer.Issue("t1", "r1", Attestation{AttestedBy: "alice", Statement: "x"})
	require.NoError(t, err)

	// Same key, but the verifier's clock sits past the expiry.
	late := NewAttestationIssuer(priv, "warden",
		WithIssuerClock(func() time.Time { return now.Add(2 * time.Hour) }))
	_, err = late.Verify(att.Token)
	require.Error(t, err)
}
