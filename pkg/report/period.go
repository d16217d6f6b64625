package report

import (
	"fmt"
	"time"
)

// lastSecond returns 23:59:59 on the given day.
func lastSecond(y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, 23, 59, 59, 0, loc)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// PeriodFor computes the report window for a period type relative to now.
// Daily reports are tagged point_in_time; everything longer is a period.
func PeriodFor(periodType string, now time.Time) (Period, error) {
	loc := now.Location()
	switch periodType {
	case "daily":
		y := now.AddDate(0, 0, -1)
		return Period{
			Start: midnight(y),
			End:   lastSecond(y.Year(), y.Month(), y.Day(), loc),
			Type:  PeriodTagPointInTime,
		}, nil

	case "weekly":
		y := now.AddDate(0, 0, -1)
		return Period{
			Start: midnight(now.AddDate(0, 0, -7)),
			End:   lastSecond(y.Year(), y.Month(), y.Day(), loc),
			Type:  PeriodTagPeriod,
		}, nil

	case "monthly":
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, -1, 0)
		last := first.AddDate(0, 1, -1)
		return Period{
			Start: first,
			End:   lastSecond(last.Year(), last.Month(), last.Day(), loc),
			Type:  PeriodTagPeriod,
		}, nil

	case "quarterly":
		qStart := time.Month(((int(now.Month())-1)/3)*3 + 1)
		first := time.Date(now.Year(), qStart, 1, 0, 0, 0, 0, loc).AddDate(0, -3, 0)
		last := first.AddDate(0, 3, -1)
		return Period{
			Start: first,
			End:   lastSecond(last.Year(), last.Month(), last.Day(), loc),
			Type:  PeriodTagPeriod,
		}, nil

	case "yearly":
		y := now.Year() - 1
		return Period{
			Start: time.Date(y, time.January, 1, 0, 0, 0, 0, loc),
			End:   lastSecond(y, time.December, 31, loc),
			Type:  PeriodTagPeriod,
		}, nil
	}
	return Period{}, fmt.Errorf("%w: unknown period type %q", ErrInvalidRequest, periodType)
}
