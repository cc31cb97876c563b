package dispatcher

import (
	"sync"
	"time"
)

// waitForState blocks on cond (guarded by mu) until check reports true
// or timeout elapses, returning whether check succeeded. A timer
// broadcasts cond once the deadline passes so a waiter with nothing left
// to wait for does not block forever; this is the standard
// timer-triggered-broadcast idiom for adding a deadline to sync.Cond,
// which has no native timeout support.
func waitForState(mu *sync.Mutex, cond *sync.Cond, timeout time.Duration, check func() bool) bool {
	timer := time.AfterFunc(timeout, cond.Broadcast)
	defer timer.Stop()

	mu.Lock()
	defer mu.Unlock()

	deadline := time.Now().Add(timeout)
	for !check() {
		if time.Now().After(deadline) {
			return false
		}
		cond.Wait()
	}
	return true
}
