package sync

import (
	"math"
	"sync"
	"time"

	"github.com/Martian-dev/mailmirror/internal/store"
)

// Display phases
const (
	PhaseListing     = "fetching message list"
	PhaseDownloading = "downloading content"
	PhaseFinalizing  = "finalizing"
	PhaseDone        = "done"
)

// rateSmoothing weights the newest windowed rate against the previous estimate
const rateSmoothing = 0.3

type rateSample struct {
	at    time.Time
	delta int64
}

// Tracker computes the progress snapshot of one job. The rate is a
// moving average over the last few pages, not since job start.
type Tracker struct {
	mu      sync.Mutex
	window  int
	samples []rateSample
	rate    float64
	snap    store.ProgressSnapshot
	now     func() time.Time
}

// NewTracker creates a tracker for a job that already processed some
// messages (resume) out of total.
func NewTracker(jobID, accountID string, processed, total int64, window int, now func() time.Time) *Tracker {
	if window < 1 {
		window = 1
	}
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		window: window,
		now:    now,
		snap: store.ProgressSnapshot{
			JobID:     jobID,
			AccountID: accountID,
			Status:    store.StatusPending,
			Processed: processed,
			Total:     total,
		},
	}
	t.snap.Percentage = percentage(processed, total)
	return t
}

// Start marks the job running and records the rate baseline
func (t *Tracker) Start() store.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.samples = append(t.samples[:0], rateSample{at: now})
	t.snap.Status = store.StatusRunning
	t.snap.Phase = PhaseListing
	t.snap.UpdatedAt = now
	return t.snap
}

// SetPhase changes the display phase
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Phase = phase
}

// Update records a finished page and returns the new snapshot
func (t *Tracker) Update(processed, total int64) store.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	delta := processed - t.snap.Processed
	if delta < 0 {
		delta = 0
	}
	t.samples = append(t.samples, rateSample{at: now, delta: delta})
	if len(t.samples) > t.window+1 {
		t.samples = t.samples[len(t.samples)-(t.window+1):]
	}

	if windowed, ok := t.windowRate(); ok {
		if t.rate <= 0 {
			t.rate = windowed
		} else {
			t.rate = rateSmoothing*windowed + (1-rateSmoothing)*t.rate
		}
	}

	t.snap.Processed = processed
	t.snap.Total = total
	pct := percentage(processed, total)
	if t.snap.Status == store.StatusRunning && pct < t.snap.Percentage {
		// a shrinking total must not rewind the bar
		pct = t.snap.Percentage
	}
	t.snap.Percentage = pct
	t.snap.Rate = t.rate
	t.snap.ETASeconds = t.eta()
	t.snap.Phase = PhaseListing
	t.snap.UpdatedAt = now
	return t.snap
}

// Finish moves the snapshot to a terminal status
func (t *Tracker) Finish(status store.Status) store.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Status = status
	if status == store.StatusCompleted {
		t.snap.Total = t.snap.Processed
		t.snap.Percentage = 100
		t.snap.Phase = PhaseDone
	}
	t.snap.ETASeconds = nil
	t.snap.UpdatedAt = t.now()
	return t.snap
}

// Snapshot returns the current snapshot
func (t *Tracker) Snapshot() store.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

func (t *Tracker) windowRate() (float64, bool) {
	if len(t.samples) < 2 {
		return 0, false
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	var sum int64
	for _, s := range t.samples[1:] {
		sum += s.delta
	}
	return float64(sum) / elapsed, true
}

func (t *Tracker) eta() *float64 {
	if t.rate <= 0 || t.snap.Status.Terminal() {
		return nil
	}
	remaining := t.snap.Total - t.snap.Processed
	if remaining < 0 {
		remaining = 0
	}
	eta := math.Round(float64(remaining)/t.rate*10) / 10
	return &eta
}

func percentage(processed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(processed) / float64(total) * 100
	return math.Max(0, math.Min(100, pct))
}
