package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
)

// RevertRecord is one undo step, tagged with what it undoes.
type RevertRecord struct {
	Plugin string
	Action string
	Target string
	Undo   plugin.RevertFunc
}

func (r RevertRecord) String() string {
	return fmt.Sprintf("%s %s %s", r.Plugin, r.Action, r.Target)
}

// RevertError reports an undo step that failed.
type RevertError struct {
	Record RevertRecord
	Err    error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("failed to revert %s: %v", e.Record, e.Err)
}

func (e *RevertError) Unwrap() error { return e.Err }

// revertStack accumulates undo steps for the whole run.
type revertStack struct {
	mu      sync.Mutex
	records []RevertRecord
}

func (s *revertStack) push(r RevertRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *revertStack) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// unwind pops and runs every record, newest first. A failing record is
// logged and collected; the remaining records still run. The stack is
// empty afterwards.
func (s *revertStack) unwind(ctx context.Context, guard *crashGuard) []error {
	s.mu.Lock()
	records := s.records
	s.records = nil
	s.mu.Unlock()

	var errs []error
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		logging.Info("reverting", "plugin", rec.Plugin, "action", rec.Action, "target", rec.Target)
		if err := runRevert(ctx, guard, rec); err != nil {
			logging.Error("revert failed", "plugin", rec.Plugin, "action", rec.Action, "target", rec.Target, "error", err)
			errs = append(errs, &RevertError{Record: rec, Err: err})
		}
	}
	return errs
}

func runRevert(ctx context.Context, guard *crashGuard, rec RevertRecord) (err error) {
	leave := guard.enter(rec.Plugin, "revert "+rec.Action, rec.Target)
	defer leave()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("revert panicked: %v", r)
		}
	}()
	if rec.Undo == nil {
		return errors.New("no undo function")
	}
	return rec.Undo(ctx)
}
