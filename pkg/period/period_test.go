package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Period
		wantErr bool
	}{
		{in: "2024-07", want: Period{Year: 2024, Index: 7, Kind: Month}},
		{in: "2024-Q3", want: Period{Year: 2024, Index: 3, Kind: Quarter}},
		{in: "2024-13", wantErr: true},
		{in: "2024-Q5", wantErr: true},
		{in: "july", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPeriod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestBoundsAndPrevious(t *testing.T) {
	q, err := Parse("2024-Q1")
	require.NoError(t, err)
	start, end := q.Bounds(time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), end)
	assert.Equal(t, "2023-Q4", q.Previous().String())
	assert.Equal(t, "2024-03", q.LastMonth().String())

	m, err := Parse("2024-01")
	require.NoError(t, err)
	assert.Equal(t, "2023-12", m.Previous().String())
	assert.Len(t, m.Months(), 1)
}

func TestOf(t *testing.T) {
	at := time.Date(2024, 8, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-08", MonthOf(at).String())
	assert.Equal(t, "2024-Q3", QuarterOf(at).String())
}
