package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff configures the reconnect controller.
type Backoff struct {
	Base        time.Duration `koanf:"base"`
	Cap         time.Duration `koanf:"cap"`
	MaxAttempts int           `koanf:"max_attempts"`
	Jitter      bool          `koanf:"jitter"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        1 * time.Second,
		Cap:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns min(Base * 2^attempt, Cap). With Jitter set, up to 10% is
// added or removed.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.Base) * math.Pow(2, float64(attempt))
	if delay > float64(b.Cap) {
		delay = float64(b.Cap)
	}

	if b.Jitter {
		spread := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * spread
		if delay < 0 {
			delay = float64(b.Base)
		}
	}
	return time.Duration(delay)
}
