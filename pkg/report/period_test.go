package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodFor_MonthlyAcrossLeapFebruary(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	period, err := PeriodFor("monthly", now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), period.Start)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), period.End)
	assert.Equal(t, PeriodTagPeriod, period.Type)
}

func TestPeriodFor_Daily(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	period, err := PeriodFor("daily", now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), period.Start)
	assert.Equal(t, time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC), period.End)
	assert.Equal(t, PeriodTagPointInTime, period.Type)
}

func TestPeriodFor_Weekly(t *testing.T) {
	now := time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)

	period, err := PeriodFor("weekly", now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC), period.Start)
	assert.Equal(t, time.Date(2026, 6, 9, 23, 59, 59, 0, time.UTC), period.End)
	assert.Equal(t, PeriodTagPeriod, period.Type)
}

func TestPeriodFor_QuarterlyAndYearly(t *testing.T) {
	now := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)

	quarterly, err := PeriodFor("quarterly", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), quarterly.Start)
	assert.Equal(t, time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), quarterly.End)

	yearly, err := PeriodFor("yearly", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), yearly.Start)
	assert.Equal(t, time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), yearly.End)
}

func TestPeriodFor_QuarterlyMidQuarter(t *testing.T) {
	// May sits in Q2; the previous quarter is Q1.
	now := time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)

	period, err := PeriodFor("quarterly", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), period.Start)
	assert.Equal(t, time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC), period.End)
}

func TestPeriodFor_UnknownType(t *testing.T) {
	_, err := PeriodFor("hourly", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
