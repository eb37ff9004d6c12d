// Package cleanup reclaims disk from per-build working copies once their
// builds have finished. It runs on a slow cadence next to the dispatcher.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/store"
	"git.home.luguber.info/inful/cifixer/internal/workspace"
)

// Sweeper removes working copies of terminal builds past retention and
// directories no build owns. Workspaces of running builds are never touched.
type Sweeper struct {
	store     *store.Store
	workspace *workspace.Manager
	retention time.Duration
	interval  time.Duration
	scheduler gocron.Scheduler
	now       func() time.Time
}

func NewSweeper(st *store.Store, ws *workspace.Manager, retention, interval time.Duration) (*Sweeper, error) {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Sweeper{
		store:     st,
		workspace: ws,
		retention: retention,
		interval:  interval,
		scheduler: scheduler,
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Start schedules the periodic sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, serr := s.Sweep(ctx); serr != nil {
				slog.Error("workspace sweep failed", logfields.Error(serr))
			}
		}),
		gocron.WithName("workspace-sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.scheduler.Start()
	return nil
}

// Stop shuts down the schedule.
func (s *Sweeper) Stop() error { return s.scheduler.Shutdown() }

// Sweep scans the work root once and returns how many directories it removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.workspace.Root())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read work root: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}
		buildID, ok := workspace.BuildIDFromDir(entry.Name())
		if !ok {
			continue // not ours, leave it alone
		}
		if s.shouldRemove(buildID) {
			if err := s.workspace.Remove(buildID); err != nil {
				slog.Warn("workspace removal failed", logfields.BuildID(buildID), logfields.Error(err))
				continue
			}
			slog.Info("workspace removed", logfields.BuildID(buildID))
			removed++
		}
	}
	return removed, nil
}

func (s *Sweeper) shouldRemove(buildID int64) bool {
	build, err := s.store.GetBuild(buildID)
	if errors.Is(err, store.ErrNotFound) {
		return true // orphan directory, no build owns it
	}
	if err != nil {
		slog.Warn("build lookup failed during sweep", logfields.BuildID(buildID), logfields.Error(err))
		return false
	}
	if !build.Status.Terminal() {
		return false
	}
	return s.now().Sub(build.UpdatedAt) >= s.retention
}
