package essayflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/essayflow/internal/eventbus"
)

// cancelEventWait bounds how long CancelTurn waits for room on a full bus.
const cancelEventWait = time.Second

// TurnStatus is the status of a turn started with StartTurn.
type TurnStatus struct {
	TurnID    string        `json:"turn_id"`
	UserID    string        `json:"user_id"`
	Intent    string        `json:"intent"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Running   bool          `json:"running"`
	Status    OutcomeStatus `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type asyncTurn struct {
	tc       *TurnContext
	cancel   context.CancelFunc
	done     chan struct{}
	outcome  *TurnOutcome
	finished time.Time
}

func (a *asyncTurn) isDone() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// StartTurn runs a turn in the background and returns its ID. The turn is
// detached from ctx's cancellation but keeps its values; use CancelTurn to
// stop it.
func (c *Coach) StartTurn(ctx context.Context, userID, text string) string {
	tc := NewTurnContext(userID, text, nil)
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.TurnTimeout)
	a := &asyncTurn{tc: tc, cancel: cancel, done: make(chan struct{})}

	c.asyncTurnsMu.Lock()
	c.asyncTurns[tc.ID] = a
	c.asyncTurnsMu.Unlock()

	go func() {
		defer cancel()
		outcome, _ := c.run(turnCtx, tc)

		c.asyncTurnsMu.Lock()
		a.outcome = outcome
		a.finished = time.Now()
		c.asyncTurnsMu.Unlock()
		close(a.done)
	}()
	return tc.ID
}

func (c *Coach) asyncTurn(turnID string) (*asyncTurn, error) {
	c.asyncTurnsMu.RLock()
	defer c.asyncTurnsMu.RUnlock()
	a, ok := c.asyncTurns[turnID]
	if !ok {
		return nil, fmt.Errorf("turn '%s' not found", turnID)
	}
	return a, nil
}

// Status reports the state of a background turn.
func (c *Coach) Status(turnID string) (*TurnStatus, error) {
	a, err := c.asyncTurn(turnID)
	if err != nil {
		return nil, err
	}

	c.asyncTurnsMu.RLock()
	defer c.asyncTurnsMu.RUnlock()
	st := &TurnStatus{
		TurnID:    a.tc.ID,
		UserID:    a.tc.UserID,
		Intent:    a.tc.Intent.Text,
		StartTime: a.tc.StartTime,
		Running:   a.outcome == nil,
	}
	if a.outcome == nil {
		st.Duration = time.Since(a.tc.StartTime)
		return st, nil
	}
	st.Duration = a.outcome.Duration
	st.Status = a.outcome.Status
	st.Error = a.outcome.Error
	return st, nil
}

// Wait blocks until the background turn finishes or ctx is done and returns
// its outcome.
func (c *Coach) Wait(ctx context.Context, turnID string) (*TurnOutcome, error) {
	a, err := c.asyncTurn(turnID)
	if err != nil {
		return nil, err
	}
	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.asyncTurnsMu.RLock()
	defer c.asyncTurnsMu.RUnlock()
	return a.outcome, a.outcome.Err()
}

// CancelTurn cancels a running background turn. It reports false when the
// turn already finished.
func (c *Coach) CancelTurn(turnID string) (bool, error) {
	a, err := c.asyncTurn(turnID)
	if err != nil {
		return false, err
	}
	if a.isDone() {
		return false, nil
	}
	a.cancel()
	if c.eventBus != nil {
		evt := eventbus.NewEvent(eventbus.EventTurnCancelled, a.tc.Intent.Text, "Coach.CancelTurn", map[string]any{
			"turn_id": turnID,
			"user_id": a.tc.UserID,
		})
		ctx, cancel := context.WithTimeout(context.Background(), cancelEventWait)
		_ = c.eventBus.Publish(ctx, evt)
		cancel()
	}
	return true, nil
}

// CleanupTurns forgets background turns that finished more than olderThan
// ago and returns how many were removed.
func (c *Coach) CleanupTurns(olderThan time.Duration) int {
	c.asyncTurnsMu.Lock()
	defer c.asyncTurnsMu.Unlock()

	now := time.Now()
	count := 0
	for id, a := range c.asyncTurns {
		if a.outcome != nil && now.Sub(a.finished) > olderThan {
			delete(c.asyncTurns, id)
			count++
		}
	}
	return count
}
