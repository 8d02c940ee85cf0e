package settlement

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cutline/internal/domain"
)

const DateLayout = "2006-01-02"

// NextMonthStart is the first day of the calendar month after t, in loc.
func NextMonthStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)
}

// Quarter identifies a calendar quarter, keyed as YYYY-Qn.
type Quarter struct {
	Year   int
	Number int
}

func (q Quarter) String() string {
	return fmt.Sprintf("%04d-Q%d", q.Year, q.Number)
}

// ParseQuarter accepts keys like "2025-Q4" (case-insensitive).
func ParseQuarter(s string) (Quarter, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	year, num, ok := strings.Cut(s, "-Q")
	if !ok {
		return Quarter{}, fmt.Errorf("%w: %q (want YYYY-Qn)", domain.ErrInvalidQuarter, s)
	}
	y, err := strconv.Atoi(year)
	if err != nil || len(year) != 4 {
		return Quarter{}, fmt.Errorf("%w: %q (want YYYY-Qn)", domain.ErrInvalidQuarter, s)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > 4 {
		return Quarter{}, fmt.Errorf("%w: %q (quarter must be 1-4)", domain.ErrInvalidQuarter, s)
	}
	return Quarter{Year: y, Number: n}, nil
}

// QuarterOf returns the quarter containing t, in loc.
func QuarterOf(t time.Time, loc *time.Location) Quarter {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return Quarter{Year: local.Year(), Number: (int(local.Month())-1)/3 + 1}
}

// Start is the first instant of the quarter.
func (q Quarter) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(q.Year, time.Month((q.Number-1)*3+1), 1, 0, 0, 0, 0, loc)
}

// End is the first instant after the quarter.
func (q Quarter) End(loc *time.Location) time.Time {
	return q.Start(loc).AddDate(0, 3, 0)
}

// LastDay is the quarter-end date secondary settlements are scheduled for.
func (q Quarter) LastDay(loc *time.Location) time.Time {
	return q.End(loc).AddDate(0, 0, -1)
}

func (q Quarter) Previous() Quarter {
	if q.Number == 1 {
		return Quarter{Year: q.Year - 1, Number: 4}
	}
	return Quarter{Year: q.Year, Number: q.Number - 1}
}
