package metering

import "strings"

// Policy decides which request paths are billable. A path is billable when
// it contains one of the billable entries and starts with none of the
// exempt prefixes. Exempt wins when both match.
type Policy struct {
	billable []string
	exempt   []string
}

func NewPolicy(billable, exempt []string) *Policy {
	return &Policy{billable: billable, exempt: exempt}
}

// Billable reports whether path is billable and, if so, which configured
// entry matched. The entry is a fixed label, unlike the caller-chosen path.
func (p *Policy) Billable(path string) (string, bool) {
	for _, prefix := range p.exempt {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return "", false
		}
	}
	for _, b := range p.billable {
		if b != "" && strings.Contains(path, b) {
			return b, true
		}
	}
	return "", false
}
