package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Framing is the incremental response format of a streaming backend.
type Framing int

const (
	// FramingNone reads the whole body as a single JSON document.
	FramingNone Framing = iota
	// FramingSSE is server-sent events ("event:" / "data:" lines).
	FramingSSE
	// FramingNDJSON is one JSON document per line.
	FramingNDJSON
)

const maxFrameBytes = 1 << 20

// frame is what a decoder extracts from one unit of a response.
type frame struct {
	Text         string
	Done         bool
	FinishReason string
}

// decodeFunc parses one frame. event is the SSE event name, if any.
// Returning a *ConnectionError reports an upstream failure; any other
// error is a parse failure.
type decodeFunc func(event string, data []byte) (frame, error)

// Payload is a fully built HTTP request for one backend.
type Payload struct {
	Method         string
	URL            string
	Header         http.Header
	Body           []byte
	Framing        Framing
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	decode decodeFunc
}

// transport executes payloads and turns responses into events. It is
// shared by every adapter.
type transport struct {
	client *http.Client
	logger *zap.Logger
}

func newTransport(client *http.Client, logger *zap.Logger) *transport {
	if client == nil {
		client = &http.Client{}
	}
	return &transport{client: client, logger: logger}
}

// Stream sends p and relays the response as events. Errors before the
// first response byte are returned directly; later failures arrive as a
// terminal EventError. The channel is closed after the terminal event,
// or without one when ctx is cancelled.
func (t *transport) Stream(ctx context.Context, p *Payload) (<-chan Event, error) {
	if p == nil || p.decode == nil {
		return nil, errors.New("payload not built by an adapter")
	}
	reqCtx, cancel := context.WithCancel(ctx)

	var connectTimedOut atomic.Bool
	var connectTimer *time.Timer
	if p.ConnectTimeout > 0 {
		connectTimer = time.AfterFunc(p.ConnectTimeout, func() {
			connectTimedOut.Store(true)
			cancel()
		})
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, p.Method, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = p.Header.Clone()

	resp, err := t.client.Do(httpReq)
	if connectTimer != nil && !connectTimer.Stop() && err == nil {
		// The timer fired while headers were arriving.
		resp.Body.Close()
		err = context.Canceled
	}
	if err != nil {
		cancel()
		if connectTimedOut.Load() && ctx.Err() == nil {
			return nil, &ConnectionError{Reason: ReasonTimeout, Message: fmt.Sprintf("no response within %s", p.ConnectTimeout)}
		}
		return nil, transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, statusError(resp.StatusCode, body)
	}

	ch := make(chan Event, 64)
	go t.pump(ctx, reqCtx, cancel, resp.Body, p, ch)
	return ch, nil
}

// pump reads the response body until a terminal frame, EOF, failure or
// cancellation. The body is always closed on return.
func (t *transport) pump(ctx, reqCtx context.Context, cancel context.CancelFunc, body io.ReadCloser, p *Payload, ch chan<- Event) {
	defer close(ch)
	defer cancel()
	defer body.Close()

	var idled atomic.Bool
	var idle *time.Timer
	if p.IdleTimeout > 0 {
		idle = time.AfterFunc(p.IdleTimeout, func() {
			idled.Store(true)
			cancel()
		})
		defer idle.Stop()
	}

	// send pauses the idle timer while blocked on a slow consumer so
	// backpressure is not mistaken for a silent backend.
	send := func(e Event) bool {
		select {
		case ch <- e:
			return true
		default:
		}
		if idle != nil {
			idle.Stop()
		}
		select {
		case ch <- e:
			if idle != nil && !idled.Load() {
				idle.Reset(p.IdleTimeout)
			}
			return true
		case <-ctx.Done():
			return false
		}
	}

	// handle returns false once the stream is finished.
	handle := func(event string, data []byte) bool {
		if idle != nil {
			idle.Reset(p.IdleTimeout)
		}
		f, err := p.decode(event, data)
		if err != nil {
			var connErr *ConnectionError
			if !errors.As(err, &connErr) && !errors.Is(err, ErrParseFailure) {
				err = fmt.Errorf("%w: %v", ErrParseFailure, err)
			}
			t.logger.Warn("stream frame rejected", zap.Error(err))
			send(Failure(err))
			return false
		}
		if f.Text != "" && !send(Token(f.Text)) {
			return false
		}
		if f.Done {
			reason := f.FinishReason
			if reason == "" {
				reason = "stop"
			}
			send(Done(reason))
			return false
		}
		return true
	}

	var readErr error
	switch p.Framing {
	case FramingNone:
		data, err := io.ReadAll(io.LimitReader(body, 16*maxFrameBytes))
		if err != nil {
			readErr = err
			break
		}
		if handle("", data) {
			send(Done("stop"))
		}
		return
	case FramingNDJSON:
		sc := newScanner(body)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			if !handle("", line) {
				return
			}
		}
		readErr = sc.Err()
	case FramingSSE:
		sc := newScanner(body)
		var event string
		var data bytes.Buffer
		for sc.Scan() {
			line := sc.Bytes()
			switch {
			case len(line) == 0:
				if data.Len() > 0 {
					if !handle(event, data.Bytes()) {
						return
					}
				}
				event = ""
				data.Reset()
			case line[0] == ':':
			case bytes.HasPrefix(line, []byte("event:")):
				event = string(bytes.TrimSpace(line[len("event:"):]))
			case bytes.HasPrefix(line, []byte("data:")):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
			}
		}
		readErr = sc.Err()
		if readErr == nil && data.Len() > 0 {
			if !handle(event, data.Bytes()) {
				return
			}
		}
	}

	switch {
	case ctx.Err() != nil:
		// Cancelled by the caller: end silently.
	case idled.Load():
		send(Failure(fmt.Errorf("%w: no data for %s", ErrTimeout, p.IdleTimeout)))
	case readErr != nil && !errors.Is(readErr, io.EOF):
		send(Failure(transportError(reqCtx, readErr)))
	default:
		send(Done("eof"))
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return sc
}

// getJSON performs a GET used for model listings and decodes the reply.
func (t *transport) getJSON(ctx context.Context, url string, h http.Header, v any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if h != nil {
		httpReq.Header = h.Clone()
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrParseFailure, err)
	}
	return nil
}
