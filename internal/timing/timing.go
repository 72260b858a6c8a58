// Package timing implements the human-simulation delay math.
//
// All functions are pure given their rand source and inputs, so tests can
// pass a seeded *rand.Rand and a fixed now to get reproducible results.
package timing

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nagare-ai/nagare/internal/model"
)

// Clock abstracts time.Now so the scheduler and engine can be driven by a
// fake clock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// minReplyDelay is the floor applied to every computed reply delay.
const minReplyDelay = 5 * time.Second

// ReplyDelay computes how long to wait before replying, in seconds of
// simulated thinking/typing time.
//
// Base is uniform in [ReplyDelayMinSec, ReplyDelayMaxSec]. When context-aware
// delays are enabled and the last inbound message is recent (<5m), the delay
// shrinks to 30% (rapid-fire exchange); otherwise a young conversation (<30m)
// shrinks it to 60%. Never below 5 seconds.
func ReplyDelay(rng *rand.Rand, b model.Behavior, lastMessageAt, conversationStartedAt *time.Time, now time.Time) time.Duration {
	d := uniformSeconds(rng, b.ReplyDelayMinSec, b.ReplyDelayMaxSec)

	if b.ReplyDelayContextAware && lastMessageAt != nil {
		switch {
		case now.Sub(*lastMessageAt) < 5*time.Minute:
			d = time.Duration(float64(d) * 0.3)
		case conversationStartedAt != nil && now.Sub(*conversationStartedAt) < 30*time.Minute:
			d = time.Duration(float64(d) * 0.6)
		}
	}

	if d < minReplyDelay {
		d = minReplyDelay
	}
	return d
}

// WithinActivityHours reports whether now falls inside the agent's configured
// active window. Disabled windows are always open. A start hour greater than
// the end hour means an overnight window (e.g. 22–6). Timezone resolution
// failure fails open (returns true) so a bad IANA name never mutes an agent.
func WithinActivityHours(b model.Behavior, now time.Time) bool {
	if !b.ActivityHoursEnabled {
		return true
	}

	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return true
	}
	hour := now.In(loc).Hour()

	start, end := b.ActivityStartHour, b.ActivityEndHour
	if start <= end {
		return hour >= start && hour < end
	}
	// Overnight wraparound.
	return hour >= start || hour < end
}

// TypingDuration estimates how long a human would take to type text at the
// given words-per-minute rate, with ±20% jitter, clamped to [1s, 30s].
func TypingDuration(rng *rand.Rand, text string, wpm int) time.Duration {
	if wpm <= 0 {
		wpm = 40
	}
	words := len(strings.Fields(text))
	seconds := float64(words) / float64(wpm) * 60

	// ±20% jitter.
	seconds *= 0.8 + rng.Float64()*0.4

	switch {
	case seconds < 1:
		seconds = 1
	case seconds > 30:
		seconds = 30
	}
	return time.Duration(seconds * float64(time.Second))
}

// ReadReceiptDelay returns how long to wait before marking a message read,
// or 0 when read receipts are disabled.
func ReadReceiptDelay(rng *rand.Rand, b model.Behavior) time.Duration {
	if !b.ReadReceiptEnabled {
		return 0
	}
	return uniformSeconds(rng, b.ReadReceiptDelayMinSec, b.ReadReceiptDelayMaxSec)
}

// MultiMessageDelay returns the gap between parts of a multi-message reply,
// or 0 when multi-message sending is disabled.
func MultiMessageDelay(rng *rand.Rand, b model.Behavior) time.Duration {
	if !b.MultiMessageEnabled {
		return 0
	}
	return uniformSeconds(rng, b.MultiMessageDelayMinSec, b.MultiMessageDelayMaxSec)
}

// uniformSeconds draws a uniform duration in [min, max] whole-second bounds.
func uniformSeconds(rng *rand.Rand, minSec, maxSec int) time.Duration {
	if maxSec < minSec {
		maxSec = minSec
	}
	span := maxSec - minSec
	sec := float64(minSec)
	if span > 0 {
		sec += rng.Float64() * float64(span)
	}
	return time.Duration(sec * float64(time.Second))
}
