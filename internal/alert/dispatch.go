package alert

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Dispatcher delivers a flushed alert digest. Delivery is best-effort: a
// returned error is logged by the engine and the schedule continues.
type Dispatcher interface {
	Dispatch(ctx context.Context, alerts []Alert) error
}

// LogDispatcher writes digests to the process log. It is the default sink
// when no outbound channel is configured.
type LogDispatcher struct {
	Log *zap.SugaredLogger
}

// Dispatch logs each alert in the digest.
func (d LogDispatcher) Dispatch(_ context.Context, alerts []Alert) error {
	for _, a := range alerts {
		d.Log.Warnw("alert",
			"address", a.Address,
			"rule", a.Rule,
			"message", a.Message,
			"value", a.Value,
			"at", a.At.Format(time.RFC3339),
		)
	}
	return nil
}
