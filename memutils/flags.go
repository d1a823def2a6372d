package memutils

import (
	"strings"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// FlagStringMapping renders bit flag values as a pipe-separated list of registered names
type FlagStringMapping[T constraints.Integer] struct {
	names map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{names: make(map[T]string)}
}

func (m FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

func (m FlagStringMapping[T]) FlagsToString(value T) string {
	if value == 0 {
		return "None"
	}

	flags := maps.Keys(m.names)
	slices.Sort(flags)

	var parts []string
	remaining := value
	for _, flag := range flags {
		if flag != 0 && value&flag == flag {
			parts = append(parts, m.names[flag])
			remaining &^= flag
		}
	}

	if remaining != 0 {
		parts = append(parts, "Unknown")
	}

	return strings.Join(parts, "|")
}
