// Package personality turns trait sliders into a system instruction.
package personality

import (
	"fmt"
	"strings"
)

// Traits are 0-100 sliders. Out-of-range values are clamped.
type Traits struct {
	Playfulness    int `json:"playfulness"`
	Humor          int `json:"humor"`
	Empathy        int `json:"empathy"`
	Intelligence   int `json:"intelligence"`
	Supportiveness int `json:"supportiveness"`
}

// Default is the neutral midpoint used when a client sends no traits.
func Default() Traits {
	return Traits{Playfulness: 50, Humor: 50, Empathy: 50, Intelligence: 50, Supportiveness: 50}
}

const base = "You are a friendly voice companion having a spoken conversation. " +
	"Keep replies short and natural to say out loud, and never use markdown or lists."

// phrase tables are ordered low, mid, high, very high.
var (
	playfulness = [4]string{
		"Stay calm and composed.",
		"Be lightly playful when the moment allows.",
		"Be playful and energetic.",
		"Be very playful, spontaneous and full of energy.",
	}
	humor = [4]string{
		"Keep a serious tone.",
		"Use gentle humor occasionally.",
		"Bring wit and humor into the conversation.",
		"Be genuinely funny and quick with a joke.",
	}
	empathy = [4]string{
		"Stay matter-of-fact.",
		"Acknowledge how the user feels.",
		"Be warm and emotionally attuned.",
		"Be deeply empathetic and validate feelings before anything else.",
	}
	intelligence = [4]string{
		"Use simple everyday language.",
		"Explain things clearly.",
		"Offer thoughtful, well-reasoned insights.",
		"Be intellectually rich, precise and curious.",
	}
	supportiveness = [4]string{
		"Be honest and direct.",
		"Be encouraging.",
		"Be actively supportive and motivating.",
		"Champion the user and celebrate every bit of progress.",
	}
)

// Instructions builds the instruction string for the given traits.
func Instructions(t Traits) string {
	var b strings.Builder
	b.WriteString(base)
	for _, p := range []struct {
		v     int
		table *[4]string
	}{
		{t.Playfulness, &playfulness},
		{t.Humor, &humor},
		{t.Empathy, &empathy},
		{t.Intelligence, &intelligence},
		{t.Supportiveness, &supportiveness},
	} {
		b.WriteByte(' ')
		b.WriteString(p.table[level(p.v)])
	}
	return b.String()
}

// WithName prefixes the instructions with the companion's name.
func WithName(name string, t Traits) string {
	if name = strings.TrimSpace(name); name == "" {
		return Instructions(t)
	}
	return fmt.Sprintf("Your name is %s. %s", name, Instructions(t))
}

func level(v int) int {
	switch {
	case v < 25:
		return 0
	case v < 50:
		return 1
	case v < 75:
		return 2
	default:
		return 3
	}
}
