package testcond

import (
	"fmt"
	"time"
)

// WaitForCondition polls eval every interval until it holds, failing once
// timeout has passed.
func WaitForCondition(eval func() bool, interval time.Duration, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if eval() {
			return nil
		}
		select {
		case <-deadline.C:
			if eval() {
				return nil
			}
			return fmt.Errorf("condition not met within %s", timeout)
		case <-ticker.C:
		}
	}
}
