package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
)

// Local accepts every execution without contacting an engine. Results are
// expected to be posted back to the server's results endpoint.
type Local struct {
	tracker
	logger *zap.SugaredLogger
}

// NewLocal creates a local executor.
func NewLocal(log *zap.SugaredLogger) *Local {
	if log == nil {
		log = logger.ComponentLogger("executor")
	}
	return &Local{tracker: newTracker(), logger: log}
}

func (l *Local) Start(ctx context.Context, req Request) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, errors.Mark(errors.Wrap(err, "start execution"), errors.ErrExecutionStart)
	}
	exec := Execution{
		ID:          NewID(),
		Fingerprint: req.Query.Fingerprint,
		Type:        req.Type,
		StartedAt:   time.Now(),
	}
	l.add(exec)
	l.logger.Infow("Execution accepted locally",
		logger.FieldExecutionID, exec.ID,
		logger.FieldFingerprint, exec.Fingerprint.String(),
		logger.FieldQueryType, exec.Type)
	return exec, nil
}
