package contextstore

// Tier is the retention tier of a context record.
type Tier string

const (
	TierQuick    Tier = "quick"
	TierFull     Tier = "full"
	TierArchived Tier = "archived"
)

// rank orders tiers for visibility checks: quick < full < archived.
func (t Tier) rank() int {
	switch t {
	case TierQuick:
		return 0
	case TierFull:
		return 1
	case TierArchived:
		return 2
	default:
		return -1
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.rank() >= 0
}

// AtOrBelow reports whether records in t are visible when reading up to max.
func (t Tier) AtOrBelow(max Tier) bool {
	return t.Valid() && max.Valid() && t.rank() <= max.rank()
}

// ParseTier converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", ErrInvalidTier
	}
	return t, nil
}
