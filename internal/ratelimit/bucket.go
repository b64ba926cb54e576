package ratelimit

import "time"

// Bucket is a small token bucket used to cap per-connection signaling message
// rates. It is not safe for concurrent use; each signaling connection owns one
// and consults it from its single reader goroutine.
type Bucket struct {
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func NewBucket(perSecond int, now time.Time) *Bucket {
	rate := float64(perSecond)
	return &Bucket{
		rate:     rate,
		capacity: rate,
		tokens:   rate,
		last:     now,
	}
}

func (b *Bucket) Allow(now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
