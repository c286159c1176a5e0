package slots

import (
	"fmt"
	"strings"
)

// Class is the traffic class an operation is admitted under.
type Class int

const (
	Slow Class = iota
	Fast
)

func (c Class) String() string {
	switch c {
	case Slow:
		return "slow"
	case Fast:
		return "fast"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

func (c Class) other() Class {
	if c == Slow {
		return Fast
	}
	return Slow
}

func (c Class) valid() bool {
	return c == Slow || c == Fast
}

// ParseClass accepts "slow" or "fast", case insensitive.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "slow":
		return Slow, nil
	case "fast":
		return Fast, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownClass, s)
	}
}
