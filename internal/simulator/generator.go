// Package simulator stands in for a headband: it pairs over the device
// channel and streams synthetic four-channel samples.
package simulator

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/neuro-assistant/backend/internal/engagement"
)

type Pattern string

const (
	// PatternSteady hovers around a fixed level with light noise.
	PatternSteady Pattern = "steady"
	// PatternBurst idles low and jumps every ten ticks.
	PatternBurst Pattern = "burst"
	// PatternCalm drifts from attentive to relaxed and back.
	PatternCalm Pattern = "calm"
	// PatternRandom draws every channel uniformly, like the vendor's fake sensor.
	PatternRandom Pattern = "random"
)

var DefaultChannels = []string{"O1", "O2", "T3", "T4"}

func ParsePattern(s string) (Pattern, error) {
	switch p := Pattern(s); p {
	case PatternSteady, PatternBurst, PatternCalm, PatternRandom:
		return p, nil
	}
	return "", fmt.Errorf("unknown pattern %q (want steady, burst, calm or random)", s)
}

// Generator produces deterministic sample sequences for a seed.
type Generator struct {
	pattern  Pattern
	channels []string
	rng      *rand.Rand
	tick     int
}

func NewGenerator(p Pattern, seed int64, channels []string) *Generator {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	return &Generator{
		pattern:  p,
		channels: channels,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// level returns the attention and relaxation targets (0..1) for the
// current tick before per-channel noise.
func (g *Generator) level() (attention, relaxation float64) {
	switch g.pattern {
	case PatternBurst:
		if phase := g.tick % 10; phase == 5 || phase == 6 {
			return 0.8, 0.2
		}
		return 0.4, 0.5
	case PatternCalm:
		// One slow cycle every 60 ticks.
		x := math.Sin(2 * math.Pi * float64(g.tick) / 60)
		return 0.45 + 0.25*x, 0.45 - 0.25*x
	default:
		return 0.5, 0.4
	}
}

func (g *Generator) noise(amp float64) float64 {
	return (g.rng.Float64()*2 - 1) * amp
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Next returns the next sample. Values are relative (0..1), as a calibrated
// device reports them.
func (g *Generator) Next() engagement.Sample {
	g.tick++
	att, rel := g.level()

	s := engagement.Sample{Channels: make(map[string]engagement.Channel, len(g.channels))}
	for _, ch := range g.channels {
		var a, r float64
		if g.pattern == PatternRandom {
			a, r = g.rng.Float64(), g.rng.Float64()
		} else {
			a, r = clamp01(att+g.noise(0.01)), clamp01(rel+g.noise(0.01))
		}
		s.Channels[ch] = engagement.Channel{Mind: &engagement.Mind{
			RelativeAttention:  &a,
			RelativeRelaxation: &r,
		}}
	}
	return s
}
