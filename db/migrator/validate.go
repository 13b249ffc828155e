package migrator

import (
	"fmt"
	"slices"
)

// Validate checks that every dependency of m is present in applied. Malformed
// declarations (self or forward references) are reported before unmet ones,
// and dependencies are checked in ascending order, so the result for a given
// applied set is always the same.
func Validate(m *Migration, applied map[int64]struct{}) error {
	deps := slices.Clone(m.Dependencies)
	slices.Sort(deps)

	for _, dep := range deps {
		if dep >= m.Version {
			return DependencyError{
				Kind: DependencyInvalid, Version: m.Version, Name: m.Name, Dependency: dep,
			}
		}
	}

	for _, dep := range deps {
		if _, ok := applied[dep]; !ok {
			return DependencyError{
				Kind: DependencyUnmet, Version: m.Version, Name: m.Name, Dependency: dep,
			}
		}
	}

	return nil
}

// validateSet checks the migration set as a whole. Versions must be unique,
// and every declaration must be well-formed.
func validateSet(migrations []*Migration) error {
	seen := make(map[int64]*Migration, len(migrations))
	for _, m := range migrations {
		if prev, ok := seen[m.Version]; ok {
			return InvalidMigrationError{
				Version: m.Version, Name: m.Name, Path: m.Path,
				Msg: fmt.Sprintf("duplicate version, also used by '%s'", prev.Path),
			}
		}
		seen[m.Version] = m

		for _, dep := range m.Dependencies {
			if dep >= m.Version {
				return DependencyError{
					Kind: DependencyInvalid, Version: m.Version, Name: m.Name, Dependency: dep,
				}
			}
		}
	}

	return nil
}

// checkDependents returns an error if any applied migration other than m
// declares m as a dependency.
func checkDependents(m *Migration, remaining []*Migration) error {
	for _, other := range remaining {
		if other.Version == m.Version {
			continue
		}
		if slices.Contains(other.Dependencies, m.Version) {
			return DependencyError{
				Kind: DependencyDependents, Version: m.Version, Name: m.Name,
				Dependency: other.Version,
			}
		}
	}
	return nil
}
