package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// DateLayout is how event dates are stored.
const DateLayout = "2006-01-02"

var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseDate reads an ISO date or an English phrase ("tomorrow", "next friday")
// relative to now. The result is truncated to the day in now's location.
func ParseDate(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("%w: date is required", ErrInvalidEvent)
	}
	if t, err := time.ParseInLocation(DateLayout, text, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return day(t.In(now.Location())), nil
	}

	res, err := parser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse date %q: %v", ErrInvalidEvent, text, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("%w: unrecognised date %q", ErrInvalidEvent, text)
	}
	return day(res.Time), nil
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
