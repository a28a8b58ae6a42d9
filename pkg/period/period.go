// Package period parses and navigates closing periods: months ("2024-07")
// and quarters ("2024-Q3").
package period

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPeriod = errors.New("invalid period")

type Kind int

const (
	Month Kind = iota
	Quarter
)

type Period struct {
	Year  int
	Index int // month 1-12 or quarter 1-4
	Kind  Kind
}

// Parse accepts "YYYY-MM" and "YYYY-Qn".
func Parse(s string) (Period, error) {
	var year, idx int
	if n, err := fmt.Sscanf(s, "%4d-Q%1d", &year, &idx); err == nil && n == 2 && len(s) == 7 {
		if idx < 1 || idx > 4 {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
		return Period{Year: year, Index: idx, Kind: Quarter}, nil
	}
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return Period{Year: t.Year(), Index: int(t.Month()), Kind: Month}, nil
}

func MonthOf(t time.Time) Period {
	return Period{Year: t.Year(), Index: int(t.Month()), Kind: Month}
}

func QuarterOf(t time.Time) Period {
	return Period{Year: t.Year(), Index: (int(t.Month())-1)/3 + 1, Kind: Quarter}
}

func (p Period) String() string {
	if p.Kind == Quarter {
		return fmt.Sprintf("%04d-Q%d", p.Year, p.Index)
	}
	return fmt.Sprintf("%04d-%02d", p.Year, p.Index)
}

// Bounds returns [start, end) of the period in loc.
func (p Period) Bounds(loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	if p.Kind == Quarter {
		start := time.Date(p.Year, time.Month((p.Index-1)*3+1), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 3, 0)
	}
	start := time.Date(p.Year, time.Month(p.Index), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

func (p Period) Previous() Period {
	switch p.Kind {
	case Quarter:
		if p.Index == 1 {
			return Period{Year: p.Year - 1, Index: 4, Kind: Quarter}
		}
		return Period{Year: p.Year, Index: p.Index - 1, Kind: Quarter}
	default:
		if p.Index == 1 {
			return Period{Year: p.Year - 1, Index: 12, Kind: Month}
		}
		return Period{Year: p.Year, Index: p.Index - 1, Kind: Month}
	}
}

// Months lists the monthly periods covered by p.
func (p Period) Months() []Period {
	if p.Kind == Month {
		return []Period{p}
	}
	first := (p.Index-1)*3 + 1
	return []Period{
		{Year: p.Year, Index: first, Kind: Month},
		{Year: p.Year, Index: first + 1, Kind: Month},
		{Year: p.Year, Index: first + 2, Kind: Month},
	}
}

// LastMonth is the final monthly period covered by p.
func (p Period) LastMonth() Period {
	months := p.Months()
	return months[len(months)-1]
}
