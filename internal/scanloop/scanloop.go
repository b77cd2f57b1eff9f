package scanloop

import (
	"math/rand"
	"time"
)

// Run executes fn immediately and then at a jittered interval until
// stopCh is closed. Each wait is: interval + random([0, jitter)).
func Run(stopCh <-chan struct{}, interval, jitter time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	if jitter < 0 {
		jitter = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		fn()

		wait := interval
		if jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(jitter)))
		}

		timer.Reset(wait)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
	}
}
