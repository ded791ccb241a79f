package circuit

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type BreakerSuite struct {
	suite.Suite
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

// drive feeds a sequence of call outcomes ('f' failure, 's' success) and
// returns the resulting state, mirroring how the custody client records one
// outcome per request.
func drive(b *Breaker, outcomes string) BreakerState {
	for _, o := range outcomes {
		if o == 'f' {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
	}
	return b.State()
}

func (s *BreakerSuite) TestStartsClosed() {
	b := New("custody")
	s.Equal("custody", b.Name())
	s.Equal(StateClosed, b.State())
	s.False(b.IsOpen())
}

func (s *BreakerSuite) TestOutcomeSequences() {
	cases := []struct {
		name     string
		outcomes string
		want     BreakerState
	}{
		{name: "below failure threshold", outcomes: "ff", want: StateClosed},
		{name: "threshold consecutive failures open", outcomes: "fff", want: StateOpen},
		{name: "success interrupts the failure streak", outcomes: "ffsff", want: StateClosed},
		{name: "streak after interruption still opens", outcomes: "ffsfff", want: StateOpen},
		{name: "recovery needs the success threshold", outcomes: "fffs", want: StateOpen},
		{name: "full recovery closes", outcomes: "fffss", want: StateClosed},
		{name: "failure during recovery keeps it open", outcomes: "fffsfss", want: StateOpen},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			b := New("custody", WithFailureThreshold(3), WithSuccessThreshold(2))
			s.Equal(tc.want, drive(b, tc.outcomes))
		})
	}
}

func (s *BreakerSuite) TestOpeningTransitionReportedOnce() {
	b := New("custody", WithFailureThreshold(2))

	// The custody client logs and counts the transition, not every failed
	// call, so Opened must fire exactly once.
	_, change := b.RecordFailure()
	s.False(change.Opened)

	fallback, change := b.RecordFailure()
	s.True(fallback)
	s.True(change.Opened)

	fallback, change = b.RecordFailure()
	s.True(fallback)
	s.False(change.Opened)
}

func (s *BreakerSuite) TestClosingTransitionReportedOnce() {
	b := New("custody", WithFailureThreshold(1), WithSuccessThreshold(2))
	b.RecordFailure()

	primary, change := b.RecordSuccess()
	s.False(primary)
	s.False(change.Closed)

	primary, change = b.RecordSuccess()
	s.True(primary)
	s.True(change.Closed)

	primary, change = b.RecordSuccess()
	s.True(primary)
	s.False(change.Closed)
}

func (s *BreakerSuite) TestResetForcesClosed() {
	b := New("custody", WithFailureThreshold(1))
	b.RecordFailure()
	s.True(b.IsOpen())

	b.Reset()
	s.False(b.IsOpen())

	// Counters are cleared too: reopening takes a full streak again.
	b2 := New("custody", WithFailureThreshold(2))
	b2.RecordFailure()
	b2.Reset()
	b2.RecordFailure()
	s.False(b2.IsOpen())
	b2.RecordFailure()
	s.True(b2.IsOpen())
}

func (s *BreakerSuite) TestZeroThresholdOptionsIgnored() {
	b := New("custody", WithFailureThreshold(0), WithSuccessThreshold(-1))
	s.Equal(StateClosed, drive(b, "ffff"))
	s.Equal(StateOpen, drive(b, "f"))
}
