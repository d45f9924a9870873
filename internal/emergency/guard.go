package emergency

import (
	"log"
	"regexp"
)

// Guard is the safety interlock consulted before any routing decision. A
// true result is an unconditional routing failure regardless of configured
// rules.
type Guard interface {
	Veto(number, callContext string) bool
}

// DefaultPatterns cover the emergency numbers the interlock protects when
// no explicit patterns are configured.
var DefaultPatterns = []string{
	`^911$`,
	`^9911$`,
	`^112$`,
	`^933$`,
}

// PatternGuard vetoes emergency-number calls whenever the process is not
// running in production. In production it only warns, so real emergency
// traffic is never blocked.
type PatternGuard struct {
	production bool
	patterns   []*regexp.Regexp
}

// NewPatternGuard builds a guard from the given dial patterns, falling back
// to DefaultPatterns when none are supplied. Invalid patterns are rejected
// at construction so the interlock can never silently stop matching.
func NewPatternGuard(production bool, patterns ...string) (*PatternGuard, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return &PatternGuard{production: production, patterns: compiled}, nil
}

// Veto reports whether the call must be blocked. Emergency numbers are
// blocked outside production and logged at error severity; in production
// they pass with a warning.
func (g *PatternGuard) Veto(number, callContext string) bool {
	if !g.matches(number) {
		return false
	}
	if g.production {
		log.Printf("[E911] WARNING: emergency number %s dialed (context: %s)", number, callContext)
		return false
	}
	log.Printf("[E911] ERROR: blocking emergency number %s outside production (context: %s)", number, callContext)
	return true
}

func (g *PatternGuard) matches(number string) bool {
	for _, re := range g.patterns {
		if re.MatchString(number) {
			return true
		}
	}
	return false
}
