package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Backoff shapes retry delays: exponential from Base, capped at Cap, with a
// deterministic jitter of +/-Jitter around the nominal delay. Jitter is
// derived from the run seed so two replays of the same run sleep the same.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// DefaultBackoff matches the retry contract for transient stage failures.
var DefaultBackoff = Backoff{
	Base:   250 * time.Millisecond,
	Cap:    4 * time.Second,
	Jitter: 0.2,
}

// Delay returns the sleep before retry number attempt (1-based: the delay
// after the first failure is Delay(1)).
func (b Backoff) Delay(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.Base)
	nominal := base * math.Pow(2, float64(attempt-1))
	if capped := float64(b.Cap); b.Cap > 0 && nominal > capped {
		nominal = capped
	}
	if b.Jitter > 0 {
		u := jitterUnit(fmt.Sprintf("%s|%d", seed, attempt))
		nominal *= 1 - b.Jitter + 2*b.Jitter*u
	}
	return time.Duration(nominal)
}

// jitterUnit hashes the key into [0,1).
func jitterUnit(key string) float64 {
	sum := sha256.Sum256([]byte(key))
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v) / float64(math.MaxUint64)
}
