package violation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedViolation(id, tenant string, vt Type, sev Severity, actor string, at time.Time) *Violation {
	return &Violation{
		ID:          id,
		TenantID:    tenant,
		Type:        vt,
		Severity:    sev,
		Status:      StatusDetected,
		Actor:       Actor{Type: "agent", ID: actor},
		Resource:    Resource{Type: "repo", ID: "acme/api"},
		Action:      ActionRef{Type: "scm.push"},
		Fingerprint: "fp-" + id,
		DetectedAt:  at,
	}
}

func TestMemoryStore_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(ctx, seedViolation("v1", "t1", TypePolicyDenied, SeverityHigh, "a1", base)))

	v, err := store.UpdateStatus(ctx, "v1", StatusAcknowledged, UpdateOptions{UpdatedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, v.Status)
	assert.Equal(t, "ops", v.Metadata.UpdatedBy)

	v, err = store.UpdateStatus(ctx, "v1", StatusResolved, UpdateOptions{
		UpdatedBy:       "ops",
		ResolutionNotes: "rotated credentials",
	})
	require.NoError(t, err)
	assert.Equal(t, "rotated credentials", v.Metadata.ResolutionNotes)

	// Resolved is terminal.
	_, err = store.UpdateStatus(ctx, "v1", StatusAcknowledged, UpdateOptions{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Backwards moves are rejected everywhere.
	require.NoError(t, store.Create(ctx, seedViolation("v2", "t1", TypePolicyDenied, SeverityHigh, "a1", base)))
	_, err = store.UpdateStatus(ctx, "v2", StatusEscalated, UpdateOptions{})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, "v2", StatusDetected, UpdateOptions{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.UpdateStatus(ctx, "missing", StatusResolved, UpdateOptions{})
	assert.ErrorIs(t, err, ErrViolationNotFound)
}

func TestMemoryStore_QueryFiltersAndPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, seedViolation("v1", "t1", TypePolicyDenied, SeverityLow, "a1", base)))
	require.NoError(t, store.Create(ctx, seedViolation("v2", "t1", TypePolicyDenied, SeverityCritical, "a1", base.Add(time.Hour))))
	require.NoError(t, store.Create(ctx, seedViolation("v3", "t1", TypeLimitExceeded, SeverityMedium, "a2", base.Add(2*time.Hour))))
	require.NoError(t, store.Create(ctx, seedViolation("v4", "t2", TypePolicyDenied, SeverityHigh, "a1", base.Add(3*time.Hour))))

	got, err := store.Query(ctx, Filter{TenantID: "t1", Types: []Type{TypePolicyDenied}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.Query(ctx, Filter{TenantID: "t1", ActorID: "a2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v3", got[0].ID)

	got, err = store.Query(ctx, Filter{TenantID: "t1", Start: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Severity sort, highest first.
	got, err = store.Query(ctx, Filter{TenantID: "t1", SortBy: SortBySeverity, Descending: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "v2", got[0].ID)

	// Paging.
	got, err = store.Query(ctx, Filter{TenantID: "t1", SortBy: SortByTime, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v2", got[0].ID)
}

func TestMemoryStore_GetRecent(t *testing.T) {
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock, advance := testClock(base)
	store := NewMemoryStore(WithStoreClock(clock))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, seedViolation("old", "t1", TypePolicyDenied, SeverityHigh, "a1", base.Add(-10*time.Minute))))
	require.NoError(t, store.Create(ctx, seedViolation("new", "t1", TypePolicyDenied, SeverityHigh, "a1", base.Add(-10*time.Second))))
	advance(0)

	got, err := store.GetRecent(ctx, "t1", RecentOptions{Type: TypePolicyDenied, WindowMs: 60_000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestMemoryStore_Clear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	require.NoError(t, store.Create(ctx, seedViolation("v1", "t1", TypePolicyDenied, SeverityHigh, "a1", base)))
	require.NoError(t, store.Create(ctx, seedViolation("v2", "t2", TypePolicyDenied, SeverityHigh, "a1", base)))

	require.NoError(t, store.Clear(ctx, "t1"))
	n, err := store.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Get(ctx, "v1")
	assert.ErrorIs(t, err, ErrViolationNotFound)

	require.NoError(t, store.Clear(ctx, ""))
	n, err = store.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryStore_AggregateMatchesManualCount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	actorGen := gen.OneConstOf("a1", "a2", "a3")
	typeGen := gen.OneConstOf(TypePolicyDenied, TypeApprovalBypassed, TypeLimitExceeded, TypeAnomalyDetected)

	properties.Property("aggregate count equals matching violations", prop.ForAll(
		func(actors []string, types []Type, minCount int) bool {
			if len(actors) != len(types) {
				if len(actors) > len(types) {
					actors = actors[:len(types)]
				} else {
					types = types[:len(actors)]
				}
			}
			ctx := context.Background()
			store := NewMemoryStore()
			manual := map[string]int{}
			for i := range actors {
				v := seedViolation(fmt.Sprintf("v%d", i), "t1", types[i], SeverityHigh, actors[i],
					base.Add(time.Duration(i)*time.Second))
				if err := store.Create(ctx, v); err != nil {
					return false
				}
				manual[actors[i]]++
			}

			buckets, err := store.Aggregate(ctx, "t1", AggregateOptions{
				GroupBy:  GroupByActor,
				MinCount: minCount,
			})
			if err != nil {
				return false
			}
			seen := map[string]int{}
			for _, b := range buckets {
				if b.Count < minCount {
					return false
				}
				seen[b.Key] = b.Count
			}
			for actor, n := range manual {
				if n >= minCount && seen[actor] != n {
					return false
				}
				if n < minCount {
					if _, ok := seen[actor]; ok {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(actorGen),
		gen.SliceOf(typeGen),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

func TestMemoryStore_AggregateTimeWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		v := seedViolation(fmt.Sprintf("v%d", i), "t1", TypePolicyDenied, SeverityHigh, "a1",
			base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, store.Create(ctx, v))
	}

	buckets, err := store.Aggregate(ctx, "t1", AggregateOptions{
		GroupBy: GroupByType,
		Start:   base.Add(time.Hour),
		End:     base.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 3, buckets[0].Count)
	assert.Equal(t, base.Add(3*time.Hour), buckets[0].LastDetected)
}

func TestStoreErrors_CarryStableCodes(t *testing.T) {
	// The machine code leads the message and survives %w wrapping.
	assert.Contains(t, ErrViolationNotFound.Error(), "ERR_VIOLATION_NOT_FOUND")
	assert.Contains(t, ErrInvalidTransition.Error(), "ERR_INVALID_TRANSITION")

	wrapped := fmt.Errorf("lookup v-123: %w", ErrViolationNotFound)
	assert.ErrorIs(t, wrapped, ErrViolationNotFound)
	assert.ErrorIs(t, fmt.Errorf("again: %w", wrapped), ErrViolationNotFound)
	assert.NotErrorIs(t, wrapped, ErrInvalidTransition)
}
