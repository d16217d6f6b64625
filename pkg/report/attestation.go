package report

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AttestationClaims is the JWT payload of a control attestation.
type AttestationClaims struct {
	TenantID  string `json:"tenantId"`
	ReportID  string `json:"reportId,omitempty"`
	ControlID string `json:"controlId,omitempty"`
	Statement string `json:"statement"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AttestationIssuer mints and verifies signed attestation tokens. Tokens use
// EdDSA so the same Ed25519 key material used for audit signing can back
// attestations.
type AttestationIssuer struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// IssuerOption configures an AttestationIssuer.
type IssuerOption func(*AttestationIssuer)

// WithIssuerClock overrides the issuer clock, for deterministic tests.
func WithIssuerClock(clock func() time.Time) IssuerOption {
	return func(i *AttestationIssuer) { i.clock = clock }
}

// WithTTL sets the token lifetime. Default one year.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *AttestationIssuer) { i.ttl = ttl }
}

// NewAttestationIssuer wraps an Ed25519 private key.
func NewAttestationIssuer(priv ed25519.PrivateKey, issuer string, opts ...IssuerOption) *AttestationIssuer {
	i := &AttestationIssuer{
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		issuer: issuer,
		ttl:    365 * 24 * time.Hour,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue signs an attestation and returns it with its token attached.
func (i *AttestationIssuer) Issue(tenantID, reportID string, att Attestation) (Attestation, error) {
	now := i.clock()
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.AttestedAt.IsZero() {
		att.AttestedAt = now
	}

	claims := AttestationClaims{
		TenantID:  tenantID,
		ReportID:  reportID,
		Statement: att.Statement,
		Role:      att.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        att.ID,
			Issuer:    i.issuer,
			Subject:   att.AttestedBy,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.priv)
	if err != nil {
		return Attestation{}, fmt.Errorf("attestation signing failed: %w", err)
	}
	att.Token = token
	return att, nil
}

// Verify parses and validates a token, returning its claims.
func (i *AttestationIssuer) Verify(token string) (*AttestationClaims, error) {
	claims := &AttestationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return i.pub, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithTimeFunc(i.clock))
	if err != nil {
		return nil, fmt.Errorf("attestation verification failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("attestation token invalid")
	}
	return claims, nil
}
