package xtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		exp    time.Duration
		expErr string
	}{
		{in: "0", exp: 0},
		{in: "90m", exp: 90 * time.Minute},
		{in: "1h30m", exp: 90 * time.Minute},
		{in: "30d", exp: 30 * 24 * time.Hour},
		{in: "2W", exp: 14 * 24 * time.Hour},
		{in: "1.5w", exp: 252 * time.Hour},
		{in: "1d12h", exp: 36 * time.Hour},
		{in: "3Y4M5d", exp: (3*365 + 4*30 + 5) * 24 * time.Hour},
		{in: "-1d", exp: -24 * time.Hour},
		{in: "+2d", exp: 48 * time.Hour},
		{in: "500ms", exp: 500 * time.Millisecond},
		{in: "", expErr: "invalid duration ''"},
		{in: "-", expErr: "invalid duration '-'"},
		{in: "soon", expErr: "invalid duration 'soon'"},
		{in: "10", expErr: "missing unit in duration '10'"},
		{in: "5x", expErr: "invalid duration '5x': unknown unit 'x'"},
		{in: "d5d", expErr: "invalid duration 'd5d'"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseDuration(tt.in)
			if tt.expErr != "" {
				require.EqualError(t, err, tt.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.exp, got)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		d     time.Duration
		round time.Duration
		exp   string
	}{
		{name: "zero", d: 0, round: time.Hour, exp: "0d"},
		{name: "rounds_to_zero", d: 20 * time.Minute, round: time.Hour, exp: "0d"},
		{name: "month", d: 30 * 24 * time.Hour, round: time.Hour, exp: "1M"},
		{name: "weeks_days", d: 9 * 24 * time.Hour, round: time.Hour, exp: "1w2d"},
		{name: "negative", d: -36 * time.Hour, round: time.Hour, exp: "-1d12h"},
		{name: "mixed", d: (365+31)*24*time.Hour + 90*time.Second, round: time.Second, exp: "1Y1M1d1m30s"},
		{name: "drops_below_round", d: 25*time.Hour + 59*time.Minute, round: time.Minute, exp: "1d1h59m"},
		{name: "millis", d: 1500 * time.Millisecond, round: 0, exp: "1s500ms"},
		{name: "nanos", d: 7, round: 0, exp: "7ns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.exp, FormatDuration(tt.d, tt.round))
		})
	}

	t.Run("round_trip", func(t *testing.T) {
		t.Parallel()

		for _, d := range []time.Duration{
			time.Hour, 14 * 24 * time.Hour, 400 * 24 * time.Hour, 26 * time.Hour,
		} {
			got, err := ParseDuration(FormatDuration(d, time.Hour))
			require.NoError(t, err)
			assert.Equal(t, d, got)
		}
	})
}
