// Package recovery brings StoryPipe back to a consistent state after a restart.
//
// Conversation timers live in the trial rows, so nothing has to be rebuilt in
// memory. What can be left behind is work interrupted mid-flight: voice notes
// stuck in downloading and trials whose timers elapsed while the process was
// down. Components implementing Recoverable handle one such concern each.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup.
	RecoverState(ctx context.Context) error
}

// RecoverableFunc adapts a named function to Recoverable.
type RecoverableFunc struct {
	Name string
	Fn   func(ctx context.Context) error
}

// RecoverState calls Fn.
func (f RecoverableFunc) RecoverState(ctx context.Context) error {
	return f.Fn(ctx)
}

func (f RecoverableFunc) String() string { return f.Name }

// StaleDownloads marks voice notes stuck in downloading as failed so the next
// delivery of the same voice note re-ingests it from scratch.
type StaleDownloads struct {
	notes      store.VoiceNoteRepo
	staleAfter time.Duration
	clock      func() time.Time
}

// NewStaleDownloads creates the stale download sweeper.
func NewStaleDownloads(notes store.VoiceNoteRepo, staleAfter time.Duration) *StaleDownloads {
	return &StaleDownloads{notes: notes, staleAfter: staleAfter, clock: time.Now}
}

// RecoverState fails downloads that have not progressed within staleAfter.
func (s *StaleDownloads) RecoverState(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep performs one pass and returns how many voice notes were failed.
func (s *StaleDownloads) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock().UTC().Add(-s.staleAfter)
	n, err := s.notes.FailStaleDownloads(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail stale downloads: %w", err)
	}
	if n > 0 {
		slog.Warn("StaleDownloads.Sweep: interrupted downloads marked failed", "count", n, "cutoff", cutoff)
	} else {
		slog.Debug("StaleDownloads.Sweep: no interrupted downloads")
	}
	return n, nil
}

func (s *StaleDownloads) String() string { return "stale-downloads" }

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll runs every registered component in order. A failing component
// does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0
	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", componentName(recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

func componentName(r Recoverable) string {
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}
