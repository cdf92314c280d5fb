package core

import (
	"sync"
	"time"
)

// Phase names a stretch of the progress bar.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseParsing    Phase = "parsing"
	PhaseMapping    Phase = "mapping"
	PhaseUploading  Phase = "uploading"
	PhaseFinalizing Phase = "finalizing"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// phaseRanges are the percent bounds of each phase.
var phaseRanges = map[Phase][2]float64{
	PhaseQueued:     {0, 0},
	PhaseParsing:    {0, 30},
	PhaseMapping:    {30, 70},
	PhaseUploading:  {70, 95},
	PhaseFinalizing: {95, 100},
	PhaseComplete:   {100, 100},
}

// PhasePercent maps the completed fraction of a phase onto the overall bar.
// Terminal failure phases report no position of their own.
func PhasePercent(phase Phase, fraction float64) float64 {
	r, ok := phaseRanges[phase]
	if !ok {
		return 0
	}
	fraction = min(max(fraction, 0), 1)
	return r[0] + (r[1]-r[0])*fraction
}

// Progress is one update of a job's progress stream.
type Progress struct {
	JobID         string    `json:"jobId"`
	SheetName     string    `json:"sheetName"`
	TableName     string    `json:"tableName"`
	Status        JobStatus `json:"status"`
	Phase         Phase     `json:"phase"`
	Percent       float64   `json:"percent"`
	ProcessedRows int       `json:"processedRows"`
	TotalRows     int       `json:"totalRows"`
	ChunksDone    int       `json:"chunksDone"`
	TotalChunks   int       `json:"totalChunks"`
	RowsInserted  int       `json:"rowsInserted"`
	RowsRejected  int       `json:"rowsRejected"`
	Error         string    `json:"error,omitempty"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// progressFeed fans progress out to subscribers. Percent never decreases:
// updates arriving out of order from concurrent chunk acks keep the highest
// value seen.
type progressFeed struct {
	mu        sync.Mutex
	current   Progress
	listeners []chan Progress
	closed    bool
}

func newProgressFeed(initial Progress) *progressFeed {
	return &progressFeed{current: initial}
}

// update applies fn to the current progress and notifies listeners.
func (f *progressFeed) update(fn func(p *Progress)) Progress {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return f.current
	}
	prev := f.current.Percent
	fn(&f.current)
	if f.current.Percent < prev {
		f.current.Percent = prev
	}
	f.current.UpdatedAt = time.Now()

	for _, ch := range f.listeners {
		select {
		case ch <- f.current:
		default:
			// slow listener, it gets the next one
		}
	}
	return f.current
}

// snapshot returns the current progress.
func (f *progressFeed) snapshot() Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// subscribe returns a channel primed with the current progress. The
// channel is closed when the job ends; the returned func detaches early.
func (f *progressFeed) subscribe() (<-chan Progress, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Progress, 16)
	ch <- f.current
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.listeners = append(f.listeners, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { f.remove(ch) })
	}
}

func (f *progressFeed) remove(ch chan Progress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.listeners {
		if l == ch {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// close delivers the final state and closes every listener. A listener
// with a full buffer has its oldest update dropped so the final one fits.
func (f *progressFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.listeners {
		select {
		case ch <- f.current:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- f.current:
			default:
			}
		}
		close(ch)
	}
	f.listeners = nil
}
