package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSink = errors.New("sink down")

func newTestBreaker(maxFailures int) (*CircuitBreaker, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(Config{Name: "kafka", MaxFailures: maxFailures, Cooldown: time.Minute})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(2)
	fail := func() error { return errSink }

	assert.ErrorIs(t, cb.Execute(fail), errSink)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(fail), errSink)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(2)

	_ = cb.Execute(func() error { return errSink })
	assert.Equal(t, 1, cb.Failures())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, 0, cb.Failures())
	_ = cb.Execute(func() error { return errSink })
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	tests := []struct {
		name  string
		trial error
		want  State
	}{
		{name: "trial call succeeds", trial: nil, want: StateClosed},
		{name: "trial call fails", trial: errSink, want: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, now := newTestBreaker(1)
			_ = cb.Execute(func() error { return errSink })
			require.Equal(t, StateOpen, cb.State())

			*now = now.Add(time.Minute)
			err := cb.Execute(func() error { return tt.trial })
			assert.Equal(t, tt.trial, err)
			assert.Equal(t, tt.want, cb.State())
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig(""))

	kafka := r.Get("kafka")
	assert.Same(t, kafka, r.Get("kafka"))
	_ = r.Get("websocket").Execute(func() error { return errSink })

	assert.Equal(t, []Stats{
		{Name: "kafka", State: "closed", Failures: 0},
		{Name: "websocket", State: "closed", Failures: 1},
	}, r.Stats())
}
