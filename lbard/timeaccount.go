package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Record wall-clock time spent in named phases of the
 *		scheduler loop, so a stall in the field can be diagnosed
 *		from the log without a debugger attached.
 *
 * Description:	Two bounded lists are kept: the most recent excursions
 *		over threshold, and the all-time worst. Intervals under
 *		TimeExcursionThreshold are not interesting and are
 *		dropped before they ever reach either list.
 *
 *------------------------------------------------------------------*/

import (
	"sync"
	"time"
)

// MaxTimeExcursions bounds both the "recent" and "all time" lists.
const MaxTimeExcursions = 32

// TimeExcursionThreshold is the minimum duration worth recording.
const TimeExcursionThreshold = 250 * time.Millisecond

// TimeExcursion is a single over-threshold interval.
type TimeExcursion struct {
	Source   string
	Duration time.Duration
	When     time.Time
}

// TimeAccount tracks named phase durations for the watchdog.
//
// The zero value is ready to use. Safe for concurrent use, though the
// scheduler is itself single-threaded; the lock only protects the
// status page reader from the scheduler goroutine.
type TimeAccount struct {
	mu sync.Mutex

	recent   []TimeExcursion // most-recent-first
	alltime  []TimeExcursion // duration descending
	accum    time.Duration
	curStart time.Time
	curLabel string
	open     bool
}

// LogTime records an excursion if it is at or above the threshold.
// An excursion smaller than every entry in a full alltime list is
// dropped; with room to spare it is appended at the tail.
func (ta *TimeAccount) LogTime(label string, d time.Duration) {
	if d < TimeExcursionThreshold {
		return
	}

	ta.mu.Lock()
	defer ta.mu.Unlock()

	now := time.Now()
	ex := TimeExcursion{Source: label, Duration: d, When: now}

	// recent: most-recent-first, fixed capacity, drop the oldest.
	ta.recent = append([]TimeExcursion{ex}, ta.recent...)
	if len(ta.recent) > MaxTimeExcursions {
		ta.recent = ta.recent[:MaxTimeExcursions]
	}

	// alltime: sorted by duration descending.
	insert := len(ta.alltime)
	for i, e := range ta.alltime {
		if e.Duration < d {
			insert = i
			break
		}
	}
	switch {
	case insert < len(ta.alltime):
		ta.alltime = append(ta.alltime, TimeExcursion{})
		copy(ta.alltime[insert+1:], ta.alltime[insert:])
		ta.alltime[insert] = ex
		if len(ta.alltime) > MaxTimeExcursions {
			ta.alltime = ta.alltime[:MaxTimeExcursions]
		}
	case len(ta.alltime) < MaxTimeExcursions:
		ta.alltime = append(ta.alltime, ex)
		// else: smaller than everything already recorded and the
		// all-time list is full; nothing to do.
	}
}

// AccountTime closes whatever phase is currently open (logging it if
// it crossed the threshold), then opens a new phase under label.
func (ta *TimeAccount) AccountTime(label string) {
	ta.mu.Lock()
	var (
		closeLabel string
		closeDur   time.Duration
		shouldLog  bool
	)
	if ta.open {
		closeDur = time.Since(ta.curStart) + ta.accum
		closeLabel = ta.curLabel
		shouldLog = true
	}
	ta.accum = 0
	ta.curStart = time.Now()
	ta.curLabel = label
	ta.open = true
	ta.mu.Unlock()

	if shouldLog {
		ta.LogTime(closeLabel, closeDur)
	}
}

// Pause stops attributing elapsed time to the open phase. Used to
// bracket a blocking sleep inside the radio driver's send loop, which
// is a cooperative, deliberate block rather than scheduler lag.
func (ta *TimeAccount) Pause() {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	if !ta.open {
		return
	}
	ta.accum += time.Since(ta.curStart)
	ta.open = false
}

// Resume re-opens the paused phase's clock.
func (ta *TimeAccount) Resume() {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.curStart = time.Now()
	ta.open = true
}

// Recent returns the most-recent-first excursion list.
func (ta *TimeAccount) Recent() []TimeExcursion {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	out := make([]TimeExcursion, len(ta.recent))
	copy(out, ta.recent)
	return out
}

// AllTime returns the duration-descending worst-excursion list.
func (ta *TimeAccount) AllTime() []TimeExcursion {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	out := make([]TimeExcursion, len(ta.alltime))
	copy(out, ta.alltime)
	return out
}
