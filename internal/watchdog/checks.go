package watchdog

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/kenobot/kenobot/internal/provider"
)

// Default process memory thresholds.
const (
	DefaultMemoryWarnBytes = 256 << 20
	DefaultMemoryFailBytes = 512 << 20
)

// BreakerCheck adapts the provider circuit breaker: OPEN fails, a
// probing HALF_OPEN warns, CLOSED passes. Register it as critical so
// an open circuit marks the daemon UNHEALTHY.
func BreakerCheck(b *provider.Breaker) CheckFunc {
	return func(ctx context.Context) CheckResult {
		st := b.Status()
		switch st.State {
		case provider.StateOpen:
			return CheckResult{
				Status: StatusFail,
				Detail: fmt.Sprintf("provider circuit open after %d failures", st.Failures),
			}
		case provider.StateHalfOpen:
			return CheckResult{Status: StatusWarn, Detail: "provider circuit probing"}
		default:
			return CheckResult{Status: StatusOK}
		}
	}
}

// MemoryCheck watches process memory obtained from the OS. Zero
// thresholds take the defaults.
func MemoryCheck(warnBytes, failBytes uint64) CheckFunc {
	if warnBytes == 0 {
		warnBytes = DefaultMemoryWarnBytes
	}
	if failBytes == 0 {
		failBytes = DefaultMemoryFailBytes
	}
	return func(ctx context.Context) CheckResult {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		switch {
		case m.Sys >= failBytes:
			return CheckResult{
				Status: StatusFail,
				Detail: fmt.Sprintf("process memory %d MiB exceeds %d MiB", m.Sys>>20, failBytes>>20),
			}
		case m.Sys >= warnBytes:
			return CheckResult{
				Status: StatusWarn,
				Detail: fmt.Sprintf("process memory %d MiB exceeds %d MiB", m.Sys>>20, warnBytes>>20),
			}
		default:
			return CheckResult{Status: StatusOK}
		}
	}
}

// SleepState is the slice of sleep-cycle state the staleness check
// reads.
type SleepState struct {
	Status  string
	LastRun time.Time
	Error   string
}

// SleepCheck warns when the last sleep cycle failed or when no cycle
// has completed within twice the period. A daemon that has never slept
// yet passes.
func SleepCheck(state func() SleepState, period time.Duration) CheckFunc {
	if period <= 0 {
		period = 24 * time.Hour
	}
	return func(ctx context.Context) CheckResult {
		st := state()
		if st.Status == "failed" {
			detail := "last sleep cycle failed"
			if st.Error != "" {
				detail += ": " + st.Error
			}
			return CheckResult{Status: StatusWarn, Detail: detail}
		}
		if !st.LastRun.IsZero() && time.Since(st.LastRun) > 2*period {
			return CheckResult{
				Status: StatusWarn,
				Detail: fmt.Sprintf("no sleep cycle for %s", time.Since(st.LastRun).Round(time.Minute)),
			}
		}
		return CheckResult{Status: StatusOK}
	}
}
