package project

import (
	"fmt"
	"strings"
)

// AccessPolicy is ordered by increasing strictness.
type AccessPolicy int

const (
	PolicyOpen              AccessPolicy = 0
	PolicyRestricted        AccessPolicy = 1
	PolicyCredentialed      AccessPolicy = 2
	PolicyContributorReview AccessPolicy = 3
)

func (p AccessPolicy) String() string {
	switch p {
	case PolicyOpen:
		return "open"
	case PolicyRestricted:
		return "restricted"
	case PolicyCredentialed:
		return "credentialed"
	case PolicyContributorReview:
		return "contributor_review"
	}
	return "unknown"
}

func (p AccessPolicy) Valid() bool {
	switch p {
	case PolicyOpen, PolicyRestricted, PolicyCredentialed, PolicyContributorReview:
		return true
	default:
		return false
	}
}

// StricterThan reports whether p requires more of a user than q.
func (p AccessPolicy) StricterThan(q AccessPolicy) bool {
	return p > q
}

// ParseAccessPolicy accepts the names produced by String.
func ParseAccessPolicy(s string) (AccessPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return PolicyOpen, nil
	case "restricted":
		return PolicyRestricted, nil
	case "credentialed":
		return PolicyCredentialed, nil
	case "contributor_review", "contributor-review":
		return PolicyContributorReview, nil
	}
	return 0, fmt.Errorf("%w: unknown access policy %q", ErrInvalidInput, s)
}

func (p AccessPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *AccessPolicy) UnmarshalText(b []byte) error {
	v, err := ParseAccessPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
