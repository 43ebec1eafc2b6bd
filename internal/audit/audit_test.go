package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/pattern"
)

func TestAppend_AssignsSequencePerSession(t *testing.T) {
	l := NewLog()

	a1 := l.Append("sess-a", Event{Type: EventSessionCreated})
	a2 := l.Append("sess-a", Event{Type: EventPhaseTransition, Phase: "Plan"})
	b1 := l.Append("sess-b", Event{Type: EventSessionCreated})

	assert.Equal(t, uint64(1), a1.Seq)
	assert.Equal(t, uint64(2), a2.Seq)
	assert.Equal(t, uint64(1), b1.Seq, "sequences are per session")
	assert.Equal(t, "sess-a", a2.SessionID)
	assert.False(t, a1.At.IsZero())

	assert.Equal(t, 2, l.Len("sess-a"))
	assert.Equal(t, 1, l.Len("sess-b"))
}

func TestExport_RestartablePaging(t *testing.T) {
	l := NewLog()
	for i := 0; i < 7; i++ {
		l.Append("sess", Event{Type: EventPhaseTransition})
	}

	page1, err := l.Export("sess", 0, 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, uint64(1), page1[0].Seq)
	assert.Equal(t, uint64(3), page1[2].Seq)

	// Resume from the last seq seen, as a restarted consumer would.
	page2, err := l.Export("sess", page1[2].Seq, 3)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, uint64(4), page2[0].Seq)

	page3, err := l.Export("sess", page2[2].Seq, 3)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, uint64(7), page3[0].Seq)

	done, err := l.Export("sess", 7, 3)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestExport_DefaultLimit(t *testing.T) {
	l := NewLog()
	for i := 0; i < DefaultExportLimit+10; i++ {
		l.Append("sess", Event{Type: EventDispatch})
	}

	page, err := l.Export("sess", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, DefaultExportLimit)
}

func TestExport_UnknownSession(t *testing.T) {
	l := NewLog()
	_, err := l.Export("ghost", 0, 10)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestAppend_CarriesRecommendations(t *testing.T) {
	l := NewLog()

	ev := l.Append("sess", Event{
		Type: EventRecommendations,
		Recommendations: []pattern.Recommendation{
			{Pattern: "security-sensitive-context", Confidence: 0.7, Capability: "security-review", Priority: pattern.PriorityHigh},
		},
	})

	got, err := l.Export("sess", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.Recommendations, got[0].Recommendations)
}

// failingPublisher always errors, to prove publishing never blocks appends.
type failingPublisher struct{}

func (failingPublisher) Publish(Event) error { return errors.New("stream down") }

func TestAppend_PublisherFailureIsNonFatal(t *testing.T) {
	log := logging.NewTestLogger()
	l := NewLog(WithPublisher(failingPublisher{}), WithLogger(log.Logger))

	ev := l.Append("sess", Event{Type: EventSessionCreated})
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, 1, l.Len("sess"))

	log.AssertLogged(t, zapcore.WarnLevel, "audit publish failed")
}

// capturingPublisher records published events.
type capturingPublisher struct {
	events []Event
}

func (p *capturingPublisher) Publish(ev Event) error {
	p.events = append(p.events, ev)
	return nil
}

func TestAppend_PublishesStampedEvent(t *testing.T) {
	pub := &capturingPublisher{}
	fixed := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	l := NewLog(WithPublisher(pub), WithClock(func() time.Time { return fixed }))

	l.Append("sess", Event{Type: EventError, Cause: "gate failure"})

	require.Len(t, pub.events, 1)
	assert.Equal(t, uint64(1), pub.events[0].Seq, "publisher sees the stamped event")
	assert.Equal(t, "sess", pub.events[0].SessionID)
	assert.True(t, pub.events[0].At.Equal(fixed))
}
