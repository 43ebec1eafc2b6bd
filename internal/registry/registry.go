// Package registry holds the static capability table that maps capability
// tags to specialist identities. The table is built once at startup from
// configuration and is immutable afterwards, so it is shared across sessions
// without locking.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// Errors for registry construction.
var (
	ErrInvalidName         = errors.New("invalid specialist name: must match ^[a-zA-Z0-9_-]{1,64}$")
	ErrDuplicateSpecialist = errors.New("duplicate specialist identity")
	ErrNoCapabilities      = errors.New("specialist declares no capabilities")
)

// namePattern validates specialist identities.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Specialist is one registered worker: an identity, the capability tags it
// serves, and a weight used for ranking when several specialists share a tag.
type Specialist struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Weight       float64  `json:"weight"`
}

// Registry is the immutable capability table.
type Registry struct {
	specialists  []Specialist
	byCapability map[string][]Specialist // ranked weight desc, registration order on ties
}

// New builds a registry from the given specialists. Construction fails on an
// invalid or duplicate identity and on a specialist with zero capabilities;
// a bad table is a configuration bug surfaced at startup, not at resolve time.
func New(specialists []Specialist) (*Registry, error) {
	seen := make(map[string]struct{}, len(specialists))
	byCapability := make(map[string][]Specialist)

	for _, s := range specialists {
		if err := ValidateName(s.Name); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSpecialist, s.Name)
		}
		seen[s.Name] = struct{}{}

		if len(s.Capabilities) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoCapabilities, s.Name)
		}
		for _, tag := range s.Capabilities {
			if tag == "" {
				return nil, fmt.Errorf("%w: %s declares an empty capability tag", ErrNoCapabilities, s.Name)
			}
			byCapability[tag] = append(byCapability[tag], s)
		}
	}

	// Rank once at construction; Resolve only copies.
	for tag := range byCapability {
		ranked := byCapability[tag]
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Weight > ranked[j].Weight
		})
		byCapability[tag] = ranked
	}

	owned := make([]Specialist, len(specialists))
	copy(owned, specialists)

	return &Registry{
		specialists:  owned,
		byCapability: byCapability,
	}, nil
}

// ValidateName checks a specialist identity against the name pattern.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Resolve returns the specialists serving a capability tag, ranked by weight
// descending with registration order breaking ties. An unmatched tag yields
// an empty slice; Resolve itself never fails. The returned slice is a copy
// and safe to index by retry attempt.
func (r *Registry) Resolve(capability string) []Specialist {
	ranked := r.byCapability[capability]
	if len(ranked) == 0 {
		return nil
	}
	out := make([]Specialist, len(ranked))
	copy(out, ranked)
	return out
}

// Capabilities returns the sorted set of capability tags the table serves.
func (r *Registry) Capabilities() []string {
	tags := make([]string, 0, len(r.byCapability))
	for tag := range r.byCapability {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Len returns the number of registered specialists.
func (r *Registry) Len() int {
	return len(r.specialists)
}
