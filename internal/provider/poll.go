package provider

import (
	"context"
	"time"
)

// PollOptions bounds a polling loop against a Predictor.
type PollOptions struct {
	Interval       time.Duration
	Timeout        time.Duration
	HeartbeatEvery time.Duration
	// Heartbeat is invoked periodically while the prediction is still
	// running, proving to staleness detection that the job is alive.
	// Errors from it never abort the poll.
	Heartbeat func(ctx context.Context)
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = 3 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 30 * time.Second
	}
	return o
}

// Poll checks a prediction on a fixed interval until it reaches a terminal
// state or the deadline expires. A deadline expiry surfaces as a transient
// provider error; individual check failures are tolerated and retried on the
// next tick, since a single dropped poll round does not invalidate the
// prediction.
func Poll(ctx context.Context, p Predictor, predictionID string, opts PollOptions) (Prediction, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	lastHeartbeat := time.Now()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return Prediction{}, &Error{
					Provider:  "poll",
					Code:      "poll_timeout",
					Message:   "prediction " + predictionID + " did not finish before the poll deadline",
					Transient: true,
				}
			}
			return Prediction{}, ctx.Err()
		case <-ticker.C:
			pred, err := p.Check(ctx, predictionID)
			if err != nil {
				// Dropped poll rounds are harmless; the deadline bounds
				// how long a broken provider can string us along.
				continue
			}
			switch pred.State {
			case PredictionSucceeded, PredictionFailed:
				return pred, nil
			}
			if opts.Heartbeat != nil && time.Since(lastHeartbeat) >= opts.HeartbeatEvery {
				opts.Heartbeat(ctx)
				lastHeartbeat = time.Now()
			}
		}
	}
}
