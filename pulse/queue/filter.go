package queue

import (
	"strings"
	"time"

	"github.com/teranos/autopost/errors"
)

const dateLayout = "2006-01-02"

// ParseFilter builds a Filter from user input. from and to accept RFC 3339 or
// a bare date in loc; a bare to date includes that whole day.
func ParseFilter(status, from, to string, limit int, loc *time.Location) (Filter, error) {
	var f Filter

	if status = strings.TrimSpace(status); status != "" {
		if !IsValidStatus(status) {
			return f, errors.WithHintf(
				errors.WithStack(&ValidationError{Field: "status", Reason: "unknown status " + status}),
				"valid statuses: %s", strings.Join(statusNames(), ", "))
		}
		f.Status = Status(status)
	}

	var err error
	if f.From, err = parseBound("from", from, loc, false); err != nil {
		return f, err
	}
	if f.To, err = parseBound("to", to, loc, true); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.To.After(f.From) {
		return f, errors.WithStack(&ValidationError{Field: "to", Reason: "must be after from"})
	}

	if limit < 0 {
		return f, errors.WithStack(&ValidationError{Field: "limit", Reason: "must not be negative"})
	}
	f.Limit = limit
	return f, nil
}

func parseBound(field, value string, loc *time.Location, endOfDay bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(dateLayout, value, loc)
	if err != nil {
		return time.Time{}, errors.WithStack(&ValidationError{Field: field, Reason: "expected RFC 3339 or YYYY-MM-DD, got " + value})
	}
	if endOfDay {
		d = d.AddDate(0, 0, 1)
	}
	return d.UTC(), nil
}

func statusNames() []string {
	names := make([]string, len(AllStatuses))
	for i, st := range AllStatuses {
		names[i] = string(st)
	}
	return names
}
