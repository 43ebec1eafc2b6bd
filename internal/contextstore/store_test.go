package contextstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/flowd/internal/logging"
)

// fakeScanner flags any value containing the marker string.
type fakeScanner struct {
	marker string
}

func (f *fakeScanner) Sensitive(content string) bool {
	return f.marker != "" && strings.Contains(content, f.marker)
}

func newTestStore(t *testing.T, quick, full int, opts ...Option) *Store {
	t.Helper()
	s, err := New(quick, full, opts...)
	require.NoError(t, err)
	return s
}

// val4u builds a value so that key + value price at exactly 4 units.
func val4u(key string) string {
	n := 16 - len(key)
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestNew_InvalidBudgets(t *testing.T) {
	_, err := New(0, 100)
	assert.Error(t, err)

	_, err = New(100, 100)
	assert.Error(t, err)

	_, err = New(100, 50)
	assert.Error(t, err)
}

func TestPut_InvalidInputs(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	_, err := s.Put("", "value", TierQuick, false)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.Put("key", "value", Tier("bogus"), false)
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestPutGet_Isolation(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	id, err := s.Put("architecture", "hexagonal", TierFull, false)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := s.Get("architecture", TierFull)
	require.NoError(t, err)
	assert.Equal(t, "hexagonal", got)

	// Quick-only reads do not see full-tier records.
	_, err = s.Get("architecture", TierQuick)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("missing", TierArchived)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_MostRecentWins(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	_, err := s.Put("plan", "v1", TierQuick, false)
	require.NoError(t, err)
	_, err = s.Put("plan", "v2", TierQuick, false)
	require.NoError(t, err)

	got, err := s.Get("plan", TierQuick)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestGet_SupersededByArchived(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	_, err := s.Put("design", "draft", TierQuick, false)
	require.NoError(t, err)
	_, err = s.Put("design", "final", TierArchived, false)
	require.NoError(t, err)

	// Explicit archived read returns the newest record.
	got, err := s.Get("design", TierArchived)
	require.NoError(t, err)
	assert.Equal(t, "final", got)

	// Capped at full, the superseded quick record is still the best match.
	got, err = s.Get("design", TierFull)
	require.NoError(t, err)
	assert.Equal(t, "draft", got)
}

func TestGetRecord_CarriesMetadataRaw(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	_, err := s.Put("token", "sk-live-1234", TierFull, true, WithOrigin("Plan"))
	require.NoError(t, err)

	rec, err := s.GetRecord("token", TierFull)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-1234", rec.Value, "GetRecord returns the raw value")
	assert.True(t, rec.Sensitive)
	assert.Equal(t, "Plan", rec.Origin)
	assert.Equal(t, TierFull, rec.Tier)

	_, err = s.GetRecord("missing", TierFull)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshot_NewestFirst(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	for i := 0; i < 5; i++ {
		_, err := s.Put(fmt.Sprintf("k%d", i), "v", TierQuick, false)
		require.NoError(t, err)
	}

	snap, err := s.Snapshot(TierQuick)
	require.NoError(t, err)
	require.Len(t, snap, 5)
	for i := 1; i < len(snap); i++ {
		assert.Greater(t, snap[i-1].Seq, snap[i].Seq, "snapshot must be newest first")
	}
	assert.Equal(t, "k4", snap[0].Key)
}

func TestPut_DemotesOldestOnQuickOverflow(t *testing.T) {
	log := logging.NewTestLogger()
	s := newTestStore(t, 10, 100, WithLogger(log.Logger))

	// Three 4-unit records against a 10-unit quick budget.
	for _, key := range []string{"k1", "k2", "k3"} {
		_, err := s.Put(key, val4u(key), TierQuick, false)
		require.NoError(t, err)
	}

	// Oldest record demoted, never dropped.
	assert.Equal(t, 2, s.Len(TierQuick))
	assert.Equal(t, 1, s.Len(TierFull))
	assert.Equal(t, 1, s.Demotions())
	assert.LessOrEqual(t, s.UnitsUsed(TierQuick), 10)

	_, err := s.Get("k1", TierQuick)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get("k1", TierFull)
	require.NoError(t, err)
	assert.Equal(t, val4u("k1"), got)

	snap, err := s.Snapshot(TierQuick)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "k3", snap[0].Key)
	assert.Equal(t, "k2", snap[1].Key)

	log.AssertLogged(t, zapcore.InfoLevel, "demoted")
}

func TestSnapshot_NeverExceedsBudget(t *testing.T) {
	s := newTestStore(t, 10, 20)

	// 24 units live at full; the view must shed the oldest down to 20.
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("f%d", i)
		_, err := s.Put(key, val4u(key), TierFull, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 24, s.UnitsUsed(TierFull))

	snap, err := s.Snapshot(TierFull)
	require.NoError(t, err)
	total := 0
	for _, rec := range snap {
		total += rec.Units
	}
	assert.LessOrEqual(t, total, 20)
	require.Len(t, snap, 5)
	assert.Equal(t, "f5", snap[0].Key, "truncation evicts oldest, keeps newest")

	// Storage itself is untouched by view truncation.
	assert.Equal(t, 6, s.Len(TierFull))
}

func TestSnapshot_ExcludesArchived(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	_, err := s.Put("old-decision", "superseded detail", TierArchived, false)
	require.NoError(t, err)
	_, err = s.Put("current", "active detail", TierFull, false)
	require.NoError(t, err)

	snap, err := s.Snapshot(TierArchived)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "current", snap[0].Key)

	// Archived stays reachable by explicit key.
	got, err := s.Get("old-decision", TierArchived)
	require.NoError(t, err)
	assert.Equal(t, "superseded detail", got)
}

func TestSnapshot_MasksSensitiveValues(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	_, err := s.Put("db-credentials", "hunter2", TierQuick, true)
	require.NoError(t, err)

	snap, err := s.Snapshot(TierQuick)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "db-credentials", snap[0].Key, "key presence stays visible")
	assert.Equal(t, Redacted, snap[0].Value)
	assert.True(t, snap[0].Sensitive)

	// Explicit retrieval still returns the raw value.
	got, err := s.Get("db-credentials", TierQuick)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}

func TestRedact_AfterTheFact(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	_, err := s.Put("token", "abc123", TierQuick, false)
	require.NoError(t, err)

	snap, err := s.Snapshot(TierQuick)
	require.NoError(t, err)
	assert.Equal(t, "abc123", snap[0].Value)

	require.NoError(t, s.Redact("token"))

	snap, err = s.Snapshot(TierQuick)
	require.NoError(t, err)
	assert.Equal(t, Redacted, snap[0].Value)

	assert.ErrorIs(t, s.Redact("missing"), ErrNotFound)
	assert.ErrorIs(t, s.Redact(""), ErrInvalidKey)
}

func TestPut_ScannerForcesSensitive(t *testing.T) {
	s := newTestStore(t, 500, 2000, WithScanner(&fakeScanner{marker: "sk-test"}))

	_, err := s.Put("api-key", "sk-test-123456", TierQuick, false)
	require.NoError(t, err)

	snap, err := s.Snapshot(TierQuick)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Sensitive, "scanner finding must force the flag")
	assert.Equal(t, Redacted, snap[0].Value)

	// Clean values keep the caller's flag.
	_, err = s.Put("note", "nothing secret here", TierQuick, false)
	require.NoError(t, err)
	got, err := s.Snapshot(TierQuick)
	require.NoError(t, err)
	for _, rec := range got {
		if rec.Key == "note" {
			assert.False(t, rec.Sensitive)
		}
	}
}

func TestPut_WarnsNearBudget(t *testing.T) {
	log := logging.NewTestLogger()
	s := newTestStore(t, 10, 100, WithLogger(log.Logger))

	// 4 units: below threshold, no warning.
	_, err := s.Put("k1", val4u("k1"), TierQuick, false)
	require.NoError(t, err)
	log.AssertNotLogged(t, zapcore.WarnLevel, "warning threshold")

	// 8 units: crosses 80% of 10.
	_, err = s.Put("k2", val4u("k2"), TierQuick, false)
	require.NoError(t, err)
	log.AssertLogged(t, zapcore.WarnLevel, "warning threshold")
}

func TestPut_WithOrigin(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	_, err := s.Put("architecture", "hexagonal", TierFull, false, WithOrigin("Plan"))
	require.NoError(t, err)

	snap, err := s.Snapshot(TierFull)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "Plan", snap[0].Origin)
}

func TestEstimateUnits(t *testing.T) {
	assert.Equal(t, 1, estimateUnits("k", ""), "minimum one unit")
	assert.Equal(t, 1, estimateUnits("ab", "c"))
	assert.Equal(t, 4, estimateUnits("key1", "twelve chars"))
}

func TestStore_ConcurrentDisjointKeys(t *testing.T) {
	s := newTestStore(t, 5000, 20000)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if _, err := s.Put(key, "v", TierQuick, false); err != nil {
					t.Error(err)
					return
				}
				if _, err := s.Get(key, TierQuick); err != nil {
					t.Error(err)
					return
				}
				if _, err := s.Snapshot(TierQuick); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 400, s.Len(TierQuick))
}

func TestStore_ClockInjection(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, 500, 2000, WithClock(func() time.Time { return fixed }))

	_, err := s.Put("k", "v", TierQuick, false)
	require.NoError(t, err)

	snap, err := s.Snapshot(TierQuick)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.True(t, snap[0].CreatedAt.Equal(fixed))
}

func TestSnapshot_InvalidTier(t *testing.T) {
	s := newTestStore(t, 500, 2000)

	_, err := s.Snapshot(Tier("bogus"))
	assert.ErrorIs(t, err, ErrInvalidTier)

	_, err = s.Get("k", Tier("bogus"))
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestParseTier(t *testing.T) {
	for _, valid := range []string{"quick", "full", "archived"} {
		tier, err := ParseTier(valid)
		require.NoError(t, err)
		assert.Equal(t, Tier(valid), tier)
	}

	_, err := ParseTier("QUICK")
	assert.ErrorIs(t, err, ErrInvalidTier)
	assert.True(t, errors.Is(err, ErrInvalidTier))
}
