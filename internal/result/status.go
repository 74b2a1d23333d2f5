package result

import "fmt"

// Status is the outcome recorded on a single node.
type Status string

// Known statuses. Anything else is rejected on load.
const (
	StatusOK   Status = "OK"
	StatusFail Status = "FAIL"
)

// ParseStatus converts a persisted status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOK, StatusFail:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q (want %q or %q)", s, StatusOK, StatusFail)
	}
}

// OK reports whether s is StatusOK.
func (s Status) OK() bool {
	return s == StatusOK
}

// Worst returns the more severe of s and other.
func (s Status) Worst(other Status) Status {
	if s.OK() && other.OK() {
		return StatusOK
	}
	return StatusFail
}

// StatusOf maps a boolean outcome onto a Status.
func StatusOf(pass bool) Status {
	if pass {
		return StatusOK
	}
	return StatusFail
}
