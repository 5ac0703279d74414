package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/codeassist/internal/provider"
)

// flight is one request in progress for a logical context.
type flight struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

// begin registers a flight for key, cancelling and waiting out any flight
// it supersedes.
func (o *Orchestrator) begin(parent context.Context, key string) (*flight, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	f := &flight{key: key, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	prev := o.flights[key]
	o.flights[key] = f
	o.mu.Unlock()

	if prev != nil {
		o.logger.Debug("request superseded", zap.String("context", key))
		prev.cancel()
		<-prev.done
	}
	return f, ctx
}

func (o *Orchestrator) finish(f *flight) {
	o.mu.Lock()
	if o.flights[f.key] == f {
		delete(o.flights, f.key)
	}
	o.mu.Unlock()
	f.cancel()
	close(f.done)
}

func (o *Orchestrator) stop(key string) {
	o.mu.Lock()
	f := o.flights[key]
	o.mu.Unlock()
	if f == nil {
		return
	}
	f.cancel()
	<-f.done
}

func send(ctx context.Context, out chan<- provider.Event, ev provider.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func retryable(err error) bool {
	var ce *provider.ConnectionError
	return errors.As(err, &ce) && ce.Retryable()
}

// relay streams req through adapter. Tokens are forwarded to out when live
// is set and always accumulated. It returns the full text and the terminal
// Done event; ok is false when the request was cancelled or an error event
// has already been delivered. Retryable connection errors are retried only
// while no token has been seen.
func (o *Orchestrator) relay(ctx context.Context, adapter provider.Provider, req *provider.Request, out chan<- provider.Event, live bool) (text string, final provider.Event, ok bool) {
	policy := o.opts.Retry
	var sb strings.Builder

	for attempt := 1; ; attempt++ {
		// Payloads carry per-stream decoder state, so each attempt builds anew.
		payload, err := adapter.BuildRequest(req)
		if err != nil {
			send(ctx, out, provider.Failure(err))
			return "", provider.Event{}, false
		}

		var failure error
		events, err := adapter.Stream(ctx, payload)
		if err != nil {
			failure = err
		} else {
			for ev := range events {
				switch ev.Kind {
				case provider.EventToken:
					sb.WriteString(ev.Text)
					if live && !send(ctx, out, ev) {
						return "", provider.Event{}, false
					}
				case provider.EventDone:
					return sb.String(), ev, true
				case provider.EventError:
					failure = ev.Err
				}
			}
		}

		if ctx.Err() != nil {
			return "", provider.Event{}, false
		}
		if failure == nil {
			// Closed without a terminal event.
			return sb.String(), provider.Done("eof"), true
		}
		if sb.Len() == 0 && attempt < policy.attempts() && retryable(failure) {
			d := policy.delay(attempt)
			o.logger.Info("retrying request",
				zap.String("request", req.ID),
				zap.String("provider", string(req.Config.ID)),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", d),
				zap.Error(failure))
			if !sleep(ctx, d) {
				return "", provider.Event{}, false
			}
			continue
		}

		o.logger.Warn("request failed",
			zap.String("request", req.ID),
			zap.String("provider", string(req.Config.ID)),
			zap.Error(failure))
		if !live && sb.Len() > 0 {
			if !send(ctx, out, provider.Token(sb.String())) {
				return "", provider.Event{}, false
			}
		}
		send(ctx, out, provider.Failure(failure))
		return "", provider.Event{}, false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
