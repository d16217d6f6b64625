package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/canonical"
	"github.com/wardenhq/warden/pkg/chain"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/violation"
)

// evaluateServer wires just enough of the daemon to exercise handleEvaluate
// against an installed policy set.
func evaluateServer(t *testing.T, set *policy.ResolvedPolicySet) (*server, audit.Store, violation.Store) {
	t.Helper()
	ctx := context.Background()

	obs, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)

	key := audit.LogKey{TenantID: "t1", Scope: audit.ScopeTenant, ScopeID: "t1"}
	store := audit.NewMemoryStore(key, canonical.SHA256)
	builder, err := chain.NewBuilder()
	require.NoError(t, err)
	ledger, err := chain.NewLedger(ctx, builder, store)
	require.NoError(t, err)

	violations := violation.NewMemoryStore()
	detector, err := violation.NewDetector(violations, violation.Config{
		FingerprintKey: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	return &server{
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		engine:     policy.NewEngine(),
		snapshot:   policy.NewSnapshot(set),
		ledger:     ledger,
		auditStore: store,
		detector:   detector,
		violations: violations,
		obs:        obs,
	}, store, violations
}

func TestHandleEvaluate_FailureDeniesClosed(t *testing.T) {
	// A custom condition that throws at evaluation time.
	doc := &policy.Document{
		Version: policy.CurrentVersion, Name: "broken", Scope: policy.ScopeRepo,
		Rules: []policy.Rule{
			{
				ID: "bad-expr", Enabled: true, Priority: 10,
				Conditions: []policy.Condition{{Type: policy.CondCustom, Expression: `1 / 0 == 1`}},
				Action:     policy.Action{Effect: policy.EffectAllow},
			},
		},
		DefaultAction: policy.Action{Effect: policy.EffectAllow},
	}
	set, err := policy.Resolve(doc)
	require.NoError(t, err)
	srv, store, violations := evaluateServer(t, set)

	body := `{"tenantId":"t1","request":{"actor":"agent-1","actorType":"agent","action":"scm.push","resource":{"repo":"acme/api","branch":"main"}}}`
	rec := httptest.NewRecorder()
	srv.handleEvaluate(rec, httptest.NewRequest(http.MethodPost, "/v1/policy/evaluate", strings.NewReader(body)))

	// 1. The caller sees a deny with the stable reason, not a 5xx.
	require.Equal(t, http.StatusOK, rec.Code)
	var result policy.EvaluationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Allowed)
	assert.Equal(t, policy.EffectDeny, result.Effect)
	assert.Equal(t, "evaluation_error", result.Reason)

	// 2. The attempt still lands in the audit log as a denied high-risk entry.
	entry, err := store.GetLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "denied", entry.Outcome.Status)
	assert.Equal(t, "evaluation_error", entry.Outcome.Reason)
	assert.True(t, entry.HighRisk)

	// 3. The denial feeds the violation detector.
	found, err := violations.Query(context.Background(), violation.Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, violation.TypePolicyDenied, found[0].Type)
}

func TestHandleEvaluate_AllowedRequestPasses(t *testing.T) {
	doc := &policy.Document{
		Version: policy.CurrentVersion, Name: "open", Scope: policy.ScopeRepo,
		Rules: []policy.Rule{
			{ID: "allow-all", Enabled: true, Priority: 10, Action: policy.Action{Effect: policy.EffectAllow}},
		},
		DefaultAction: policy.Action{Effect: policy.EffectDeny},
	}
	set, err := policy.Resolve(doc)
	require.NoError(t, err)
	srv, store, _ := evaluateServer(t, set)

	body := `{"tenantId":"t1","request":{"actor":"agent-1","action":"scm.push","resource":{"repo":"acme/api","branch":"main"}}}`
	rec := httptest.NewRecorder()
	srv.handleEvaluate(rec, httptest.NewRequest(http.MethodPost, "/v1/policy/evaluate", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var result policy.EvaluationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Allowed)

	entry, err := store.GetLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "allowed", entry.Outcome.Status)
	assert.False(t, entry.HighRisk)
}

func TestDeriveFingerprintKey(t *testing.T) {
	seedHex := strings.Repeat("ab", ed25519.SeedSize)

	key, err := deriveFingerprintKey(seedHex)
	require.NoError(t, err)
	require.Len(t, key, 32)

	// Derivation is deterministic but never reuses the raw seed bytes.
	again, err := deriveFingerprintKey(seedHex)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	seed, err := hex.DecodeString(seedHex)
	require.NoError(t, err)
	assert.NotEqual(t, seed, key)
	assert.NotEqual(t, []byte(seedHex), key)

	// Without a seed each process gets its own random key.
	r1, err := deriveFingerprintKey("")
	require.NoError(t, err)
	r2, err := deriveFingerprintKey("")
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)

	_, err = deriveFingerprintKey("not-hex")
	require.Error(t, err)
}
