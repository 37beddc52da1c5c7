package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// TimeSource abstracts wall-clock access so lease expiry and sweep timing can
// be driven deterministically in tests.
type TimeSource interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
}

// MockedTimeSource is a TimeSource whose clock only moves when the test
// advances it.
type MockedTimeSource interface {
	TimeSource

	// Advance moves the mocked clock forward, firing any timers that come due.
	Advance(d time.Duration)
	// BlockUntil blocks until at least n timers/tickers are waiting on the
	// mocked clock.
	BlockUntil(waiters int)
}

// Ticker is a wrapper around a ticker from the underlying clock.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Timer is a wrapper around a timer from the underlying clock.
type Timer interface {
	Chan() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

type timeSourceImpl struct {
	clock clockwork.Clock
}

type mockedTimeSourceImpl struct {
	*timeSourceImpl
	fake *clockwork.FakeClock
}

// NewRealTimeSource returns a TimeSource backed by the system clock.
func NewRealTimeSource() TimeSource {
	return &timeSourceImpl{clock: clockwork.NewRealClock()}
}

// NewMockedTimeSource returns a TimeSource backed by a fake clock for tests.
func NewMockedTimeSource() MockedTimeSource {
	fake := clockwork.NewFakeClock()
	return &mockedTimeSourceImpl{
		timeSourceImpl: &timeSourceImpl{clock: fake},
		fake:           fake,
	}
}

// NewMockedTimeSourceAt returns a mocked TimeSource starting at the given time.
func NewMockedTimeSourceAt(t time.Time) MockedTimeSource {
	fake := clockwork.NewFakeClockAt(t)
	return &mockedTimeSourceImpl{
		timeSourceImpl: &timeSourceImpl{clock: fake},
		fake:           fake,
	}
}

func (ts *timeSourceImpl) Now() time.Time {
	return ts.clock.Now()
}

func (ts *timeSourceImpl) Since(t time.Time) time.Duration {
	return ts.clock.Since(t)
}

func (ts *timeSourceImpl) Sleep(d time.Duration) {
	ts.clock.Sleep(d)
}

func (ts *timeSourceImpl) After(d time.Duration) <-chan time.Time {
	return ts.clock.After(d)
}

func (ts *timeSourceImpl) NewTicker(d time.Duration) Ticker {
	return &tickerImpl{ticker: ts.clock.NewTicker(d)}
}

func (ts *timeSourceImpl) NewTimer(d time.Duration) Timer {
	return &timerImpl{timer: ts.clock.NewTimer(d)}
}

func (m *mockedTimeSourceImpl) Advance(d time.Duration) {
	m.fake.Advance(d)
}

func (m *mockedTimeSourceImpl) BlockUntil(waiters int) {
	m.fake.BlockUntil(waiters)
}

type tickerImpl struct {
	ticker clockwork.Ticker
}

func (t *tickerImpl) Chan() <-chan time.Time {
	return t.ticker.Chan()
}

func (t *tickerImpl) Stop() {
	t.ticker.Stop()
}

type timerImpl struct {
	timer clockwork.Timer
}

func (t *timerImpl) Chan() <-chan time.Time {
	return t.timer.Chan()
}

func (t *timerImpl) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

func (t *timerImpl) Stop() bool {
	return t.timer.Stop()
}
