package model

import (
	"fmt"
	"strings"
)

// Wave is one stage of the fixed daily pipeline.
type Wave string

const (
	WaveSearch     Wave = "search"
	WaveAggregator Wave = "aggregator"
	WaveTagger     Wave = "tagger"
	WaveRender     Wave = "render"
	WaveExport     Wave = "export"
	WavePublish    Wave = "publish"
)

// waveOrder is the execution order. Waves never overlap.
var waveOrder = []Wave{
	WaveSearch,
	WaveAggregator,
	WaveTagger,
	WaveRender,
	WaveExport,
	WavePublish,
}

// Waves returns all waves in execution order.
func Waves() []Wave {
	out := make([]Wave, len(waveOrder))
	copy(out, waveOrder)
	return out
}

// DefaultWaves returns the waves run when the caller does not name any.
// Publish is opt-in.
func DefaultWaves() []Wave {
	return Waves()[:5]
}

// ParseWave parses a wave name case-insensitively.
func ParseWave(s string) (Wave, error) {
	w := Wave(strings.ToLower(strings.TrimSpace(s)))
	if w.Valid() {
		return w, nil
	}
	return "", fmt.Errorf("unknown wave %q", s)
}

// Valid reports whether w is one of the six pipeline waves.
func (w Wave) Valid() bool {
	return w.Index() >= 0
}

// Index returns the position of w in execution order, or -1.
func (w Wave) Index() int {
	for i, candidate := range waveOrder {
		if candidate == w {
			return i
		}
	}
	return -1
}

func (w Wave) String() string {
	return string(w)
}

// SortWaves returns the given waves deduplicated and in execution order.
func SortWaves(waves []Wave) []Wave {
	seen := make(map[Wave]bool, len(waves))
	for _, w := range waves {
		seen[w] = true
	}
	out := make([]Wave, 0, len(seen))
	for _, w := range waveOrder {
		if seen[w] {
			out = append(out, w)
		}
	}
	return out
}
