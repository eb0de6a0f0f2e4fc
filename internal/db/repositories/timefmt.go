package repositories

import "time"

// Timestamps are stored as RFC3339 text in UTC. SQLite has no native time
// type, and lexicographic order on RFC3339 strings matches chronological
// order, so range filters can compare strings directly.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// periodCutoff maps an admin stats period to its inclusive lower bound.
// The zero time (and ok=false) means no filter ("all").
func periodCutoff(period string, now time.Time) (time.Time, bool) {
	now = now.UTC()
	switch period {
	case "today":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), true
	case "week":
		return now.AddDate(0, 0, -7), true
	case "month":
		return now.AddDate(0, 0, -30), true
	default:
		return time.Time{}, false
	}
}
