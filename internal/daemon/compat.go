package daemon

import "fmt"

// Constraint captures what a caller requires of a daemon's runtime profile.
// Opts must all be present, in any order; RuntimeHome must match exactly
// when non-empty.
type Constraint struct {
	RuntimeHome string
	Opts        []string
}

// CompatibilityResult is the output of the Compatibility Predicate: whether
// a daemon satisfies a Constraint, and if not, why.
type CompatibilityResult struct {
	Compatible bool
	Why        string
}

// IsSatisfiedBy decides whether the daemon's recorded runtime profile
// satisfies the constraint. It is pure and side-effect-free, and explains
// a mismatch when it finds one.
func (c Constraint) IsSatisfiedBy(d Info) CompatibilityResult {
	if c.RuntimeHome != "" && d.RuntimeProfile.RuntimeHome != c.RuntimeHome {
		return CompatibilityResult{
			Compatible: false,
			Why: fmt.Sprintf("runtime home mismatch: daemon uses %q, want %q",
				d.RuntimeProfile.RuntimeHome, c.RuntimeHome),
		}
	}
	have := make(map[string]struct{}, len(d.RuntimeProfile.Opts))
	for _, o := range d.RuntimeProfile.Opts {
		have[o] = struct{}{}
	}
	for _, want := range c.Opts {
		if _, ok := have[want]; !ok {
			return CompatibilityResult{
				Compatible: false,
				Why:        fmt.Sprintf("daemon missing discriminating option %q", want),
			}
		}
	}
	return CompatibilityResult{Compatible: true}
}
