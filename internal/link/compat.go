package link

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// VersionRange is the host's accepted plugin API version range, inclusive on
// both ends.
type VersionRange struct {
	Min string
	Max string
}

func (r VersionRange) constraint() (*semver.Constraints, error) {
	switch {
	case r.Min == "" && r.Max == "":
		return nil, nil
	case r.Min == "":
		return semver.NewConstraint(fmt.Sprintf("<= %s", r.Max))
	case r.Max == "":
		return semver.NewConstraint(fmt.Sprintf(">= %s", r.Min))
	default:
		return semver.NewConstraint(fmt.Sprintf(">= %s, <= %s", r.Min, r.Max))
	}
}

// Check reports whether the plugin-announced API version falls within the
// range. An empty range accepts everything.
func (r VersionRange) Check(apiVersion string) error {
	constraint, err := r.constraint()
	if err != nil {
		return fmt.Errorf("invalid accepted version range: %w", err)
	}
	if constraint == nil {
		return nil
	}
	parsed, err := semver.NewVersion(apiVersion)
	if err != nil {
		return fmt.Errorf("plugin api version %q: %w", apiVersion, err)
	}
	if !constraint.Check(parsed) {
		return fmt.Errorf("plugin api version %s outside accepted range [%s, %s]", apiVersion, orAny(r.Min), orAny(r.Max))
	}
	return nil
}

func orAny(bound string) string {
	if bound == "" {
		return "any"
	}
	return bound
}
