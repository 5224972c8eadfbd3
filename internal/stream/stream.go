// Package stream models incremental completion delivery: a closed set of
// ordered events, a source abstraction implemented by backends, and a
// consumer-facing Response that enforces event ordering and fires completion
// side effects exactly once.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tmachado/llmcall/internal/model"
)

// Event is one element of a streaming response. The set is closed:
// StartEvent, DeltaEvent, EndEvent.
type Event interface {
	streamEvent()
}

// StartEvent opens a stream. Exactly one precedes any delta.
type StartEvent struct{}

// DeltaEvent carries an incremental text fragment.
type DeltaEvent struct {
	Delta string
}

// EndEvent terminates a stream with the final usage and stop reason.
type EndEvent struct {
	Usage      model.Usage
	StopReason model.StopReason
}

func (StartEvent) streamEvent() {}
func (DeltaEvent) streamEvent() {}
func (EndEvent) streamEvent()   {}

// Source produces the raw event sequence for one streaming call. Recv
// returns io.EOF once the sequence is exhausted. Close releases the
// underlying transport and may be called at any point.
type Source interface {
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// Callback is a completion side effect scheduled to run exactly once when
// the stream's End event is observed.
type Callback func(ctx context.Context, resp *model.CostedResponse) error

// Response wraps a Source with ordering validation, delta accumulation, and
// exactly-once completion callbacks.
type Response struct {
	src Source

	deltas              strings.Builder
	started             bool
	ended               bool
	networkFailureCount int
	stopReason          model.StopReason
	final               *model.Response

	callbacks      []Callback
	callbacksFired bool
}

// NewResponse builds a streaming response over src. networkFailureCount is
// propagated to the final message; callbacks run concurrently with each
// other, strictly after the End event, exactly once per stream.
func NewResponse(src Source, networkFailureCount int, callbacks ...Callback) *Response {
	return &Response{
		src:                 src,
		networkFailureCount: networkFailureCount,
		callbacks:           callbacks,
	}
}

// Recv returns the next event. The sequence is strictly Start, zero or more
// Deltas, End, then io.EOF. Ordering violations fail immediately with
// model.ErrStreamProtocol.
func (r *Response) Recv(ctx context.Context) (Event, error) {
	ev, err := r.src.Recv(ctx)
	if err != nil {
		return nil, err
	}

	switch ev := ev.(type) {
	case StartEvent:
		if r.started || r.ended {
			return nil, fmt.Errorf("%w: start event after stream already started", model.ErrStreamProtocol)
		}
		r.started = true
	case DeltaEvent:
		if !r.started {
			return nil, fmt.Errorf("%w: delta event before start", model.ErrStreamProtocol)
		}
		if r.ended {
			return nil, fmt.Errorf("%w: delta event after end", model.ErrStreamProtocol)
		}
		r.deltas.WriteString(ev.Delta)
	case EndEvent:
		if !r.started {
			return nil, fmt.Errorf("%w: end event before start", model.ErrStreamProtocol)
		}
		if r.ended {
			return nil, fmt.Errorf("%w: duplicate end event", model.ErrStreamProtocol)
		}
		r.ended = true
		r.stopReason = ev.StopReason
		r.final = &model.Response{
			Text:                r.deltas.String(),
			TokenCount:          ev.Usage.CompletionTokens,
			StopReason:          ev.StopReason,
			NetworkFailureCount: r.networkFailureCount,
		}
		if err := r.fireCallbacks(ctx, ev.Usage); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown event type %T", model.ErrStreamProtocol, ev)
	}

	return ev, nil
}

func (r *Response) fireCallbacks(ctx context.Context, usage model.Usage) error {
	if r.callbacksFired {
		return nil
	}
	r.callbacksFired = true

	if len(r.callbacks) == 0 {
		return nil
	}
	costed := &model.CostedResponse{
		Usage:     usage,
		Responses: []model.Response{*r.final},
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, cb := range r.callbacks {
		g.Go(func() error { return cb(gctx, costed) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stream completion callback: %w", err)
	}
	return nil
}

// FinalMessage drains the stream to completion and returns the assembled
// response. Equivalent to calling Recv until io.EOF.
func (r *Response) FinalMessage(ctx context.Context) (*model.Response, error) {
	for {
		_, err := r.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if r.final == nil {
		return nil, fmt.Errorf("%w: stream exhausted without an end event", model.ErrStreamProtocol)
	}
	return r.final, nil
}

// StopReason is the final stop reason, valid after the End event.
func (r *Response) StopReason() model.StopReason { return r.stopReason }

// Close releases the underlying event source. Completion callbacks do not
// fire for an abandoned stream; callers that need guaranteed caching must
// drain to the End event instead.
func (r *Response) Close() error {
	return r.src.Close()
}

// sliceSource replays a fixed event sequence.
type sliceSource struct {
	events []Event
	pos    int
}

func (s *sliceSource) Recv(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceSource) Close() error {
	s.pos = len(s.events)
	return nil
}

// CachedSource replays a cached response as a minimal event sequence so
// callers see a uniform interface regardless of cache status: Start, one
// Delta carrying the full text, End.
func CachedSource(resp *model.CostedResponse) Source {
	return &sliceSource{events: []Event{
		StartEvent{},
		DeltaEvent{Delta: resp.Responses[0].Text},
		EndEvent{Usage: resp.Usage, StopReason: resp.Responses[0].StopReason},
	}}
}

// SliceSource builds a source over a fixed event sequence. Intended for
// tests and cached replay.
func SliceSource(events ...Event) Source {
	return &sliceSource{events: events}
}
