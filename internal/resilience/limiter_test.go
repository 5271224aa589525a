package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestLimiter_AllowsBurstThenDenies(t *testing.T) {
	clk := newFakeClock()
	l := NewLimiter(LimiterConfig{MaxTokens: 3, RefillPerSecond: 1}, clk.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryConsume(), "consume %d", i)
	}
	assert.False(t, l.TryConsume())
	assert.InDelta(t, 0, l.Tokens(), 1e-9)
}

func TestLimiter_RefillsLazily(t *testing.T) {
	clk := newFakeClock()
	l := NewLimiter(LimiterConfig{MaxTokens: 2, RefillPerSecond: 10}, clk.Now)
	assert.True(t, l.TryConsume())
	assert.True(t, l.TryConsume())
	assert.False(t, l.TryConsume())

	clk.Advance(150 * time.Millisecond)
	assert.True(t, l.TryConsume())
	assert.False(t, l.TryConsume())

	clk.Advance(time.Hour)
	assert.InDelta(t, 2, l.Tokens(), 1e-9)
}

func TestLimiter_HundredOneWithinOneSecond(t *testing.T) {
	clk := newFakeClock()
	l := NewLimiter(DefaultLimiterConfig(), clk.Now)

	denied := 0
	for i := 0; i < 101; i++ {
		clk.Advance(time.Millisecond)
		if !l.TryConsume() {
			denied++
		}
	}
	assert.GreaterOrEqual(t, denied, 1)
}

func TestLimiter_TokensStayInBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		max := rapid.IntRange(1, 200).Draw(rt, "max")
		refill := rapid.Float64Range(0.01, 50).Draw(rt, "refill")
		clk := newFakeClock()
		l := NewLimiter(LimiterConfig{MaxTokens: max, RefillPerSecond: refill}, clk.Now)

		ops := rapid.IntRange(1, 300).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			if rapid.Bool().Draw(rt, "advance") {
				clk.Advance(time.Duration(rapid.Int64Range(0, int64(5*time.Second)).Draw(rt, "dt")))
			} else {
				l.TryConsume()
			}
			tok := l.Tokens()
			if tok < 0 || tok > float64(max) {
				rt.Fatalf("tokens %v outside [0, %d]", tok, max)
			}
		}
	})
}
