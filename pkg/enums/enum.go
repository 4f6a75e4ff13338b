package enums

import (
	"fmt"
	"slices"
)

// members is the closed value set of a string enum mirrored by a postgres type.
type members[T ~string] struct {
	kind   string
	values []T
}

func (m members[T]) has(v T) bool {
	return slices.Contains(m.values, v)
}

func (m members[T]) parse(raw string) (T, error) {
	if v := T(raw); m.has(v) {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("invalid %s %q", m.kind, raw)
}
