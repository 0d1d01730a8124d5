package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/retry"
	"github.com/telemyapp/emulab-control-plane/internal/session"
)

type Tasks interface {
	ResumeSetup(ctx context.Context, task session.SetupTask) error
	Terminate(ctx context.Context, task session.TerminationTask) error
}

// SetupHandler drives a session through setup. A timed out setup is left
// for reconciliation, so it is acked.
func SetupHandler(tasks Tasks, log logrus.FieldLogger) Handler {
	return func(ctx context.Context, body []byte) error {
		var task session.SetupTask
		if err := decodeTask(body, &task); err != nil {
			return err
		}
		if task.SessionID == "" {
			return retry.Permanent(errors.New("setup task: session_id is required"))
		}
		err := tasks.ResumeSetup(ctx, task)
		if errors.Is(err, session.ErrSetupTimeout) {
			log.WithField("session_id", task.SessionID).WithError(err).Warn("event=setup_timed_out")
			return nil
		}
		return err
	}
}

func TerminationHandler(tasks Tasks) Handler {
	return func(ctx context.Context, body []byte) error {
		var task session.TerminationTask
		if err := decodeTask(body, &task); err != nil {
			return err
		}
		if task.SessionID == "" {
			return retry.Permanent(errors.New("termination task: session_id is required"))
		}
		return tasks.Terminate(ctx, task)
	}
}

func decodeTask(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return retry.Permanent(fmt.Errorf("decode task: %w", err))
	}
	return nil
}
