package normalize

import (
	"fmt"
	"regexp"
	"strings"
)

// Policy selects how venue and field are read out of an event summary.
type Policy string

const (
	// PolicyVenueInParens takes the venue from the trailing parenthetical
	// and the field from the "-"-delimited descriptor before it.
	PolicyVenueInParens Policy = "venue-in-parens"
	// PolicyVenueFromOwner always uses the reservation owner as venue and
	// takes the field from the parenthetical.
	PolicyVenueFromOwner Policy = "venue-from-owner"
)

// ParsePolicy validates a configured policy name. Empty selects
// PolicyVenueInParens.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyVenueInParens, nil
	case PolicyVenueInParens, PolicyVenueFromOwner:
		return p, nil
	default:
		return "", fmt.Errorf("unknown summary policy %q", s)
	}
}

var (
	// "Practice - Field - Football (Rex Putnam High School)"
	//  prefix ^^^^^^^^  descriptor ^^^^^^^^^^^^^^^^  parenthetical
	summaryPattern = regexp.MustCompile(`^(.*?) - ([^(]*)\(([^)]+)\)`)
	// "Practice (Gym)"
	parentheticalPattern = regexp.MustCompile(`^([^(]*)\(([^)]+)\)`)
)

// Summary is the structured reading of a free-text event summary.
type Summary struct {
	// Prefix is the text before the first " - ", or before the parenthetical
	// when there is no dash segment.
	Prefix string
	// Descriptor is the "-"-delimited segment between prefix and
	// parenthetical, e.g. "Field - Football".
	Descriptor string
	// Parenthetical is the content of the first (...) group.
	Parenthetical string
	// Matched reports whether a parenthetical was found at all.
	Matched bool
}

// ParseSummary extracts prefix, descriptor and parenthetical from s. It never
// fails; unmatched input yields a zero Summary with Matched false.
func ParseSummary(s string) Summary {
	s = strings.TrimSpace(s)
	if m := summaryPattern.FindStringSubmatch(s); m != nil {
		return Summary{
			Prefix:        strings.TrimSpace(m[1]),
			Descriptor:    strings.TrimSpace(m[2]),
			Parenthetical: strings.TrimSpace(m[3]),
			Matched:       true,
		}
	}
	if m := parentheticalPattern.FindStringSubmatch(s); m != nil {
		return Summary{
			Prefix:        strings.TrimSpace(m[1]),
			Parenthetical: strings.TrimSpace(m[2]),
			Matched:       true,
		}
	}
	return Summary{}
}

// Resolve applies policy to a parsed summary and returns venue and field.
// owner is the reservation owner name; defaultField is used when no field
// can be derived.
func Resolve(policy Policy, s Summary, owner, defaultField string) (venue, field string) {
	switch policy {
	case PolicyVenueFromOwner:
		venue, field = owner, s.Parenthetical
	default:
		if s.Parenthetical == "" {
			venue, field = owner, ""
		} else {
			venue, field = s.Parenthetical, s.Descriptor
		}
	}
	if field == "" {
		field = defaultField
	}
	if venue == "" {
		venue = owner
	}
	return venue, field
}
