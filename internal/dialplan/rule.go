package dialplan

import (
	"fmt"
	"regexp"
)

// OutboundRule maps a dial pattern to a trunk, with an optional
// strip-then-prepend rewrite of the dialed number. Rules are immutable once
// built; ordering lives in the orchestrator's rule list.
type OutboundRule struct {
	ID      string `json:"rule_id"`
	Pattern string `json:"pattern"`
	TrunkID string `json:"trunk_id"`
	Strip   int    `json:"strip"`
	Prepend string `json:"prepend"`

	re *regexp.Regexp
}

// NewOutboundRule compiles the dial pattern. Matching is anchored at the
// start of the dialed number; a pattern that should match the whole number
// must carry its own trailing anchor.
func NewOutboundRule(id, pattern, trunkID string, strip int, prepend string) (*OutboundRule, error) {
	if pattern == "" {
		return nil, fmt.Errorf("dial pattern is required")
	}
	if strip < 0 {
		return nil, fmt.Errorf("strip count must not be negative, got %d", strip)
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid dial pattern %q: %v", pattern, err)
	}
	return &OutboundRule{
		ID:      id,
		Pattern: pattern,
		TrunkID: trunkID,
		Strip:   strip,
		Prepend: prepend,
		re:      re,
	}, nil
}

// Matches reports whether the dialed number matches the rule's pattern.
func (r *OutboundRule) Matches(number string) bool {
	return r.re.MatchString(number)
}

// Transform rewrites the dialed number: strip leading digits first, then
// prepend. No validation of the result.
func (r *OutboundRule) Transform(number string) string {
	if r.Strip > 0 {
		if r.Strip >= len(number) {
			number = ""
		} else {
			number = number[r.Strip:]
		}
	}
	if r.Prepend != "" {
		number = r.Prepend + number
	}
	return number
}
