package models

// Claim describes a compare-and-swap transition into PROCESSING.
// The swap only succeeds when the row's current status is one of From.
type Claim struct {
	From []Status
	// CountAttempt increments attempt_count as part of the swap
	CountAttempt bool
	// ResetAttempts zeroes attempt_count before counting (explicit retry of a FAILED item)
	ResetAttempts bool
}

// Allows reports whether s is an accepted source status
func (c Claim) Allows(s Status) bool {
	for _, f := range c.From {
		if f == s {
			return true
		}
	}
	return false
}

// Next computes the attempt counter after the swap
func (c Claim) Next(attempts int) int {
	if c.ResetAttempts {
		attempts = 0
	}
	if c.CountAttempt {
		attempts++
	}
	return attempts
}

// StatusStrings renders From for SQL drivers
func (c Claim) StatusStrings() []string {
	out := make([]string, len(c.From))
	for i, s := range c.From {
		out[i] = string(s)
	}
	return out
}
