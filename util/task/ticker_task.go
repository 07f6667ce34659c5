package task

import (
	"sync"
	"time"
)

type Runner interface {
	Run() error
}

type funcRunner struct {
	run func() error
}

func (r funcRunner) Run() error {
	return r.run()
}

// TickerTask runs a Runner every interval until stopped. Stats dumps and other periodic
// housekeeping use it.
type TickerTask struct {
	interval time.Duration
	runner   Runner
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewTickerTask(interval time.Duration, runner Runner) *TickerTask {
	return &TickerTask{
		interval: interval,
		runner:   runner,
		done:     make(chan struct{}),
	}
}

func NewTickerTaskFromFunc(interval time.Duration, runner func() error) *TickerTask {
	return NewTickerTask(interval, funcRunner{run: runner})
}

// Start schedules the task to run periodically if a positive interval has been specified.
// The first run happens one interval after Start.
func (t *TickerTask) Start() {
	if t.interval <= 0 {
		return
	}
	t.wg.Add(1)
	go t.runRecurring()
}

// Stop ends the periodic task and waits for a run in progress. It is safe to call more than once.
func (t *TickerTask) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

// Done exports readonly done channel
func (t *TickerTask) Done() <-chan struct{} {
	return t.done
}

func (t *TickerTask) runRecurring() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runner.Run()
		case <-t.done:
			return
		}
	}
}
