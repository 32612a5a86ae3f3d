package runner

import (
	"sync"
	"sync/atomic"
	"time"

	"era5-downloader/internal/fetch"
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePlanning Phase = "planning"
	PhaseFetching Phase = "fetching"
	PhaseAssembly Phase = "assembling"
	PhaseDone     Phase = "done"
)

// Progress is updated by a run and read concurrently by the status server.
type Progress struct {
	planned  atomic.Int64
	fetched  atomic.Int64
	failed   atomic.Int64
	attempts atomic.Int64
	bytes    atomic.Int64

	mu      sync.Mutex
	runID   string
	phase   Phase
	started time.Time
}

// Snapshot is the JSON document served on /status.
type Snapshot struct {
	RunID     string    `json:"run_id,omitempty"`
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Planned   int64     `json:"planned"`
	Fetched   int64     `json:"fetched"`
	Failed    int64     `json:"failed"`
	Attempts  int64     `json:"attempts"`
	Bytes     int64     `json:"bytes"`
}

func NewProgress() *Progress {
	return &Progress{phase: PhaseIdle}
}

func (p *Progress) start(runID string, now time.Time) {
	p.planned.Store(0)
	p.fetched.Store(0)
	p.failed.Store(0)
	p.attempts.Store(0)
	p.bytes.Store(0)

	p.mu.Lock()
	p.runID = runID
	p.started = now
	p.phase = PhasePlanning
	p.mu.Unlock()
}

func (p *Progress) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

func (p *Progress) record(res fetch.Result) {
	p.attempts.Add(int64(res.Attempts))
	if res.Err != nil {
		p.failed.Add(1)
		return
	}
	p.fetched.Add(1)
	if res.Entry != nil {
		p.bytes.Add(res.Entry.Size)
	}
}

func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	s := Snapshot{RunID: p.runID, Phase: p.phase, StartedAt: p.started}
	p.mu.Unlock()

	s.Planned = p.planned.Load()
	s.Fetched = p.fetched.Load()
	s.Failed = p.failed.Load()
	s.Attempts = p.attempts.Load()
	s.Bytes = p.bytes.Load()
	return s
}
