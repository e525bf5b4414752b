package tool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Error 429", true},
		{"RATE LIMIT reached", true},
		{"Quota Exceeded", true},
		{"too many requests", true},
		{"RESOURCE_EXHAUSTED", false},
		{"Resource exhausted", true},
		{"exceeded requests per minute", true},
		{"connection refused", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimited(tt.text))
		})
	}
}

func TestBackoffFor(t *testing.T) {
	standard := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for attempt, want := range standard {
		assert.Equal(t, want*time.Second, BackoffFor(attempt, false), "attempt %d", attempt)
	}

	limited := []time.Duration{30, 60, 120, 120}
	for attempt, want := range limited {
		assert.Equal(t, want*time.Second, BackoffFor(attempt, true), "attempt %d", attempt)
	}

	assert.Equal(t, 60*time.Second, BackoffFor(1000, false))
	assert.Equal(t, time.Second, BackoffFor(-1, false))
}
