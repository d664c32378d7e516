package topic

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidFilter reports a topic filter with a misplaced wildcard or no levels at all.
	ErrInvalidFilter = errors.New("topic: invalid filter")

	// ErrInvalidName reports a topic name that is empty or contains a wildcard.
	ErrInvalidName = errors.New("topic: invalid name")
)

// ValidateFilter checks the wildcard shape of a filter [MQTT-4.7.1]: '#' must be a whole
// level and the last one, '+' must be a whole level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidFilter
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return ErrInvalidFilter
			}
		case level == "+":
		case strings.ContainsAny(level, "#+"):
			return ErrInvalidFilter
		}
	}
	return nil
}

// ValidateName checks a topic name used in PUBLISH.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, "#+") {
		return ErrInvalidName
	}
	return nil
}

// Match reports whether a single filter matches a topic name. Filters are assumed valid.
func Match(filter, name string) bool {
	fs, ns := strings.Split(filter, "/"), strings.Split(name, "/")
	if strings.HasPrefix(name, "$") && (fs[0] == "+" || fs[0] == "#") {
		return false
	}
	for i, f := range fs {
		switch {
		case f == "#":
			return true
		case i >= len(ns):
			return false
		case f != "+" && f != ns[i]:
			return false
		}
	}
	return len(fs) == len(ns)
}
