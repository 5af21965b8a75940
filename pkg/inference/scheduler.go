package inference

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs periodic bulk re-inference on a cron schedule. Overlapping
// runs are skipped: if a pass is still going when the next tick fires, the
// tick is dropped and logged.
type Scheduler struct {
	orch   *Orchestrator
	cron   *cron.Cron
	opts   BulkOptions
	logger *log.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for the given orchestrator. A nil logger
// uses the standard logger.
func NewScheduler(orch *Orchestrator, opts BulkOptions, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		orch:   orch,
		cron:   cron.New(),
		opts:   opts,
		logger: logger,
	}
}

// Schedule registers a bulk re-inference job using standard cron syntax,
// e.g. "0 3 * * *" for 3 AM daily.
func (s *Scheduler) Schedule(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.runOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule re-inference %q: %w", spec, err)
	}
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Printf("inference: scheduled pass skipped, previous pass still running")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.orch.ReinferAll(ctx, s.opts); err != nil {
		s.logger.Printf("inference: scheduled pass failed: %v", err)
	}
}

// Start begins dispatching scheduled jobs in their own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops dispatching and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
