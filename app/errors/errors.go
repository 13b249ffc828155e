package errors

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
)

// Fielder is implemented by errors that describe themselves with slog
// key-value pairs, such as the migrator errors that identify the failing
// migration.
type Fielder interface {
	LogFields() []any
}

// Log logs an error using the default slog logger. The metadata of a
// StructuredError is rendered as fields, and so are the fields of the first
// error in the chain that implements Fielder. Metadata wins over fields with
// the same key.
func Log(err error) {
	msg := err.Error()
	fields := map[string]any{}

	var serr *StructuredError
	if errors.As(err, &serr) {
		msg = serr.Error()
		maps.Copy(fields, serr.metadata)
		if serr.cause != nil {
			fields["cause"] = serr.cause
		}
	}

	var f Fielder
	if errors.As(err, &f) {
		kv := f.LogFields()
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			if _, exists := fields[key]; !exists {
				fields[key] = kv[i+1]
			}
		}
	}

	args := make([]any, 0, len(fields)*2)
	if cause, ok := fields["cause"]; ok {
		args = append(args, "cause", cause)
		delete(fields, "cause")
	}
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		args = append(args, k, fields[k])
	}

	slog.Error(msg, args...)
}
