package contextstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/logging"
)

// Redacted replaces sensitive values in snapshots.
const Redacted = "[REDACTED]"

// warnThreshold is the quick-tier utilization above which Put logs a warning.
const warnThreshold = 0.8

// Record is one entry in the shared context. Records are append-only: a new
// Put for the same key supersedes the previous record, and a tier move during
// budget demotion is the only in-place mutation.
type Record struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Tier      Tier      `json:"tier"`
	Origin    string    `json:"origin,omitempty"` // phase that wrote the record
	Sensitive bool      `json:"sensitive"`
	Units     int       `json:"units"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// SensitivityScanner flags values that must not leave the store unmasked.
// *redact.Detector satisfies it.
type SensitivityScanner interface {
	Sensitive(content string) bool
}

// Store holds the tiered context of one session. Safe for concurrent use;
// sibling phases share a single store instance, sessions never share one.
type Store struct {
	mu        sync.RWMutex
	history   map[string][]*Record // per key, oldest first; last element owns the key
	units     map[Tier]int         // live semantic units per tier
	seq       uint64
	demotions int

	quickBudget int
	fullBudget  int

	scanner SensitivityScanner
	log     *logging.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithScanner installs a sensitivity scanner run over every Put value.
func WithScanner(scanner SensitivityScanner) Option {
	return func(s *Store) { s.scanner = scanner }
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store with the given tier budgets in semantic units.
func New(quickBudget, fullBudget int, opts ...Option) (*Store, error) {
	if quickBudget <= 0 {
		return nil, fmt.Errorf("quick budget must be positive, got %d", quickBudget)
	}
	if fullBudget <= quickBudget {
		return nil, fmt.Errorf("full budget (%d) must exceed quick budget (%d)", fullBudget, quickBudget)
	}

	s := &Store{
		history:     make(map[string][]*Record),
		units:       make(map[Tier]int),
		quickBudget: quickBudget,
		fullBudget:  fullBudget,
		log:         logging.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put inserts a new record for key at the given tier and returns its id.
// A previous record for the same key is superseded, never edited. Inserting
// into quick re-evaluates the quick budget; overflowing records are demoted
// to full, oldest first, and are never dropped.
//
// The configured scanner runs over value before insertion; a finding forces
// sensitive=true regardless of what the caller passed.
func (s *Store) Put(key, value string, tier Tier, sensitive bool, opts ...PutOption) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	if !tier.Valid() {
		return "", ErrInvalidTier
	}

	// Scan outside the lock; detection cost must not serialize readers.
	flagged := false
	if !sensitive && s.scanner != nil && s.scanner.Sensitive(value) {
		sensitive = true
		flagged = true
	}

	rec := &Record{
		ID:        uuid.NewString(),
		Key:       key,
		Value:     value,
		Tier:      tier,
		Sensitive: sensitive,
		Units:     estimateUnits(key, value),
		CreatedAt: s.now(),
	}
	for _, opt := range opts {
		opt(rec)
	}

	var demoted []string
	var crossedWarn bool
	var quickUsed int

	s.mu.Lock()
	s.seq++
	rec.Seq = s.seq

	prevQuick := s.units[TierQuick]
	if prev := s.owner(key); prev != nil {
		s.units[prev.Tier] -= prev.Units
	}
	s.history[key] = append(s.history[key], rec)
	s.units[tier] += rec.Units

	if tier == TierQuick {
		demoted = s.demoteOverflow()
	}
	quickUsed = s.units[TierQuick]
	crossedWarn = float64(quickUsed) >= warnThreshold*float64(s.quickBudget) &&
		float64(prevQuick) < warnThreshold*float64(s.quickBudget)
	s.mu.Unlock()

	// Log after the lock is released so log hooks can read back into the store.
	ctx := context.Background()
	if flagged {
		s.log.Debug(ctx, "sensitive value detected on put", zap.String("key", key))
	}
	if len(demoted) > 0 {
		s.log.Info(ctx, "quick budget exceeded, demoted records to full",
			zap.Strings("keys", demoted),
			zap.Int("quick_budget", s.quickBudget))
	}
	if crossedWarn {
		s.log.Warn(ctx, "quick tier above warning threshold",
			zap.Int("used", quickUsed),
			zap.Int("budget", s.quickBudget))
	}

	return rec.ID, nil
}

// PutOption attaches optional metadata to an inserted record.
type PutOption func(*Record)

// WithOrigin records the phase that produced the value.
func WithOrigin(phase string) PutOption {
	return func(r *Record) { r.Origin = phase }
}

// Get returns the most recent value for key stored at or below maxTier.
// Get is an explicit retrieval: it returns the raw value even for sensitive
// records, and it is the only way to reach the archived tier.
func (s *Store) Get(key string, maxTier Tier) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	if !maxTier.Valid() {
		return "", ErrInvalidTier
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.history[key]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Tier.AtOrBelow(maxTier) {
			return recs[i].Value, nil
		}
	}
	return "", ErrNotFound
}

// GetRecord is Get with the record's metadata: it returns a copy of the most
// recent record for key at or below maxTier. The value is raw; callers that
// hand the record off must consult Sensitive and mask themselves.
func (s *Store) GetRecord(key string, maxTier Tier) (Record, error) {
	if key == "" {
		return Record{}, ErrInvalidKey
	}
	if !maxTier.Valid() {
		return Record{}, ErrInvalidTier
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.history[key]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Tier.AtOrBelow(maxTier) {
			return *recs[i], nil
		}
	}
	return Record{}, ErrNotFound
}

// Snapshot returns the live records visible at or below tier, newest first,
// truncated to the requested tier's budget by evicting the oldest entries
// from the view. Sensitive values are masked with Redacted; key presence
// stays visible. Archived records never appear in a snapshot regardless of
// the requested tier, so a TierArchived request reads as TierFull.
func (s *Store) Snapshot(tier Tier) ([]Record, error) {
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}
	if tier == TierArchived {
		tier = TierFull
	}
	budget := s.quickBudget
	if tier == TierFull {
		budget = s.fullBudget
	}

	s.mu.RLock()
	live := make([]Record, 0, len(s.history))
	for _, recs := range s.history {
		rec := recs[len(recs)-1]
		if rec.Tier.AtOrBelow(tier) {
			live = append(live, *rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool { return live[i].Seq > live[j].Seq })

	total := 0
	for _, rec := range live {
		total += rec.Units
	}
	for len(live) > 0 && total > budget {
		total -= live[len(live)-1].Units
		live = live[:len(live)-1]
	}

	for i := range live {
		if live[i].Sensitive {
			live[i].Value = Redacted
		}
	}
	return live, nil
}

// Redact marks the live record for key sensitive. Snapshots taken afterwards
// mask the value; the key itself stays visible.
func (s *Store) Redact(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.owner(key)
	if rec == nil {
		return ErrNotFound
	}
	rec.Sensitive = true
	return nil
}

// Len returns the number of live records in tier.
func (s *Store) Len(tier Tier) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, recs := range s.history {
		if recs[len(recs)-1].Tier == tier {
			n++
		}
	}
	return n
}

// UnitsUsed returns the live semantic units accounted to tier.
func (s *Store) UnitsUsed(tier Tier) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.units[tier]
}

// Demotions returns the number of quick records demoted to full since the
// store was created.
func (s *Store) Demotions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.demotions
}

// Keys returns the sorted keys of live records in tier.
func (s *Store) Keys(tier Tier) []string {
	s.mu.RLock()
	keys := make([]string, 0)
	for key, recs := range s.history {
		if recs[len(recs)-1].Tier == tier {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// owner returns the live record for key, or nil. Caller holds the lock.
func (s *Store) owner(key string) *Record {
	recs := s.history[key]
	if len(recs) == 0 {
		return nil
	}
	return recs[len(recs)-1]
}

// demoteOverflow moves the oldest live quick records to full until the quick
// tier fits its budget, and returns the demoted keys. The tier flip is the
// one sanctioned in-place mutation. Caller holds the write lock.
func (s *Store) demoteOverflow() []string {
	if s.units[TierQuick] <= s.quickBudget {
		return nil
	}

	quick := make([]*Record, 0)
	for _, recs := range s.history {
		rec := recs[len(recs)-1]
		if rec.Tier == TierQuick {
			quick = append(quick, rec)
		}
	}
	sort.Slice(quick, func(i, j int) bool { return quick[i].Seq < quick[j].Seq })

	var demoted []string
	for _, rec := range quick {
		if s.units[TierQuick] <= s.quickBudget {
			break
		}
		rec.Tier = TierFull
		s.units[TierQuick] -= rec.Units
		s.units[TierFull] += rec.Units
		s.demotions++
		demoted = append(demoted, rec.Key)
	}
	return demoted
}

// estimateUnits prices a record using the ~4 bytes per semantic unit
// heuristic. Every record costs at least one unit.
func estimateUnits(key, value string) int {
	units := (len(key) + len(value)) / 4
	if units < 1 {
		units = 1
	}
	return units
}
