package saga

import (
	"context"

	"bbb-stream-controller/internal/rpc"
)

type undoAction struct {
	step string
	run  func(context.Context) rpc.Result
}

// undoStack accumulates the inverse of every completed forward step.
type undoStack struct {
	actions []undoAction
}

func (u *undoStack) push(step string, run func(context.Context) rpc.Result) {
	u.actions = append(u.actions, undoAction{step: step, run: run})
}

func (u *undoStack) len() int {
	return len(u.actions)
}

// unwind runs the recorded actions newest first. Failures are logged and
// counted; they never replace the error that triggered the unwind.
func (s *Saga) unwind(ctx context.Context, meetingID string, stack *undoStack) {
	ctx = context.WithoutCancel(ctx)
	logger := s.log(ctx, meetingID)
	for i := len(stack.actions) - 1; i >= 0; i-- {
		action := stack.actions[i]
		res := action.run(ctx)
		err := res.Err()
		s.metrics.ObserveCompensation(action.step, err)
		if err != nil {
			logger.Warn("compensation failed", "step", action.step, "peer", res.Peer, "endpoint", res.Endpoint, "error", err)
			continue
		}
		logger.Info("compensated", "step", action.step, "peer", res.Peer, "endpoint", res.Endpoint)
	}
	stack.actions = nil
}
