package ppstest

import (
	"fmt"
	"strings"

	"github.com/roach88/backcompat/internal/result"
)

// AssertionError is a failed timing or capability check.
type AssertionError struct {
	Check    string // Node name of the check
	Message  string // What went wrong, in device terms
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Check)
	if e.Message != "" {
		fmt.Fprintf(&buf, "  %s\n", e.Message)
	}
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// window is an inclusive range of whole seconds.
type window struct {
	lo, hi uint32
}

func (w window) contains(v uint32) bool {
	return v >= w.lo && v <= w.hi
}

func (w window) String() string {
	if w.lo == w.hi {
		return fmt.Sprintf("seconds = %d", w.lo)
	}
	return fmt.Sprintf("seconds in [%d, %d]", w.lo, w.hi)
}

// expectSeconds checks that got lies in w.
func expectSeconds(check, message string, w window, got uint32) error {
	if w.contains(got) {
		return nil
	}
	return &AssertionError{
		Check:    check,
		Message:  message,
		Expected: w.String(),
		Actual:   fmt.Sprintf("seconds = %d", got),
	}
}

// record adds the outcome of one check to parent.
func record(parent *result.Node, check string, expected, actual string, err error) {
	n := result.New(check, result.StatusOK, map[string]string{
		"expected": expected,
		"actual":   actual,
	})
	if err != nil {
		n.Fail()
		n.SetAttr("message", err.Error())
	}
	parent.AddChild(n)
}

// Failures returns the message of every failed check below root, in tree
// order.
func Failures(root *result.Node) []string {
	var out []string
	root.Walk(func(n *result.Node, _ int) bool {
		if !n.Status.OK() {
			if msg := n.Attributes["message"]; msg != "" {
				out = append(out, msg)
			}
		}
		return true
	})
	return out
}
