package updater

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanternops/gamepatch/internal/manifest"
)

// Outcome is the completion code delivered to the Reporter.
type Outcome int

const (
	Success Outcome = 0
	Failure Outcome = 1
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// Reporter receives the events of a run. Calls are serialized, but download
// progress may arrive on the downloader's goroutine rather than the run's.
type Reporter interface {
	Progress(percent int)
	Status(text string)
	Completed(outcome Outcome)
}

// NopReporter discards every event.
type NopReporter struct{}

func (NopReporter) Progress(int)      {}
func (NopReporter) Status(string)     {}
func (NopReporter) Completed(Outcome) {}

// Session is the state of one run. Recorders receive it by pointer and must
// not retain it past RunFinished.
type Session struct {
	RunID     string
	StartedAt time.Time

	LocalAtStart int
	Remote       int
	Missing      int

	Step       int // 1-based index of the version step in progress
	Version    int // target version of the step in progress
	PatchIndex int // 1-based index within the step
	PatchCount int
	Applied    int // version steps fully applied

	Kind Kind // set when the run failed
}

func newSession() *Session {
	return &Session{RunID: uuid.NewString(), StartedAt: time.Now()}
}

// Recorder observes run milestones, e.g. for metrics or a run journal.
// Implementations must not block; their failures never affect the run.
type Recorder interface {
	RunStarted(s *Session)
	PatchApplied(s *Session, p manifest.Patch, elapsed time.Duration)
	StepCompleted(s *Session, version int)
	RunFinished(s *Session, err error)
}

type multiRecorder []Recorder

func (m multiRecorder) RunStarted(s *Session) {
	for _, r := range m {
		r.RunStarted(s)
	}
}

func (m multiRecorder) PatchApplied(s *Session, p manifest.Patch, elapsed time.Duration) {
	for _, r := range m {
		r.PatchApplied(s, p, elapsed)
	}
}

func (m multiRecorder) StepCompleted(s *Session, version int) {
	for _, r := range m {
		r.StepCompleted(s, version)
	}
}

func (m multiRecorder) RunFinished(s *Session, err error) {
	for _, r := range m {
		r.RunFinished(s, err)
	}
}

// gatedReporter forwards events until closed. Download progress arrives on
// the downloader's goroutine; closing the gate once the wait is over keeps
// late callbacks from interleaving with the run's own events.
type gatedReporter struct {
	mu     sync.Mutex
	next   Reporter
	closed bool
}

func (g *gatedReporter) Progress(percent int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.next.Progress(percent)
	}
}

func (g *gatedReporter) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
