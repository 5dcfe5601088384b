package coord

import (
	"fmt"
	"strings"
)

// QuorumFunc computes the quorum for a participant count. It is evaluated
// once per request context.
type QuorumFunc func(participants int) int

// Majority requires more than half of the participants.
func Majority(participants int) int {
	if participants < 1 {
		return 1
	}
	return participants/2 + 1
}

// All requires every participant.
func All(participants int) int {
	if participants < 1 {
		return 1
	}
	return participants
}

// ParseQuorum maps a configuration value to a QuorumFunc.
func ParseQuorum(mode string) (QuorumFunc, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "majority":
		return Majority, nil
	case "all":
		return All, nil
	default:
		return nil, fmt.Errorf("coord: unknown quorum mode %q", mode)
	}
}
