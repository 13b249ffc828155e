package cli

import (
	"fmt"
	"reflect"
	"time"

	"github.com/alecthomas/kong"

	"go.hackfix.me/syllabus/xtime"
)

// ageMapper parses a backup age, e.g. "12h", "30d" or "1w2d".
type ageMapper struct{}

var _ kong.Mapper = (*ageMapper)(nil)

// Decode implements the kong.Mapper interface.
func (ageMapper) Decode(kctx *kong.DecodeContext, target reflect.Value) error {
	var value string
	err := kctx.Scan.PopValueInto("age", &value)
	if err != nil {
		return err
	}

	dur, err := xtime.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid age '%s': %w", value, err)
	}
	if dur <= 0 {
		return fmt.Errorf("invalid age '%s': must be greater than 0", value)
	}

	target.Set(reflect.ValueOf(dur))

	return nil
}

// formatTime renders timestamps in command output.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateTime)
}
