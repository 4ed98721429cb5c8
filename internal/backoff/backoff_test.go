package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffZeroRetriesIsBaseDelay(t *testing.T) {
	e := Exponential{Config: DefaultConfig}
	assert.Equal(t, DefaultConfig.BaseDelay, e.Backoff(0))
}

func TestExponentialBackoffGrowsAndCapsAtMaxDelay(t *testing.T) {
	cfg := Config{
		BaseDelay:  10 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
		MaxDelay:   100 * time.Millisecond,
	}
	e := Exponential{Config: cfg}

	prev := e.Backoff(0)
	for i := 1; i <= 10; i++ {
		d := e.Backoff(i)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		if i < 4 {
			assert.Greater(t, d, prev)
		}
		prev = d
	}
}

func TestExponentialBackoffWithJitterStaysNonNegative(t *testing.T) {
	e := Exponential{Config: DefaultConfig}
	for i := 0; i < 50; i++ {
		assert.GreaterOrEqual(t, e.Backoff(i), time.Duration(0))
	}
}
