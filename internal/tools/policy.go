package tools

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrForbidden is returned when a command is refused by the safety policy.
var ErrForbidden = errors.New("command forbidden by policy")

// dangerousPatterns match shell commands that can destroy data or devices.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-[rf]`),
	regexp.MustCompile(`rm\s+.*\*`),
	regexp.MustCompile(`>\s*/dev/[^n]`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`dd\s+if=.*of=/dev`),
	regexp.MustCompile(`:\(\)\{.*\};:`),
	regexp.MustCompile(`chmod\s+-R\s+777\s+/`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b`),
}

// Policy decides whether shell commands may run.
type Policy struct {
	extra []*regexp.Regexp
}

// NewPolicy creates a policy with the default dangerous-command patterns.
func NewPolicy() *Policy {
	return &Policy{}
}

// Deny adds an extra pattern to refuse.
func (p *Policy) Deny(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid deny pattern: %w", err)
	}
	p.extra = append(p.extra, re)
	return nil
}

// CheckCommand returns ErrForbidden (wrapped with the reason) when the
// command matches a dangerous pattern.
func (p *Policy) CheckCommand(cmd string) error {
	for _, re := range dangerousPatterns {
		if re.MatchString(cmd) {
			return fmt.Errorf("%w: matches %q", ErrForbidden, re.String())
		}
	}
	for _, re := range p.extra {
		if re.MatchString(cmd) {
			return fmt.Errorf("%w: matches %q", ErrForbidden, re.String())
		}
	}
	return nil
}
