package llm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/pkg/logger"
	"github.com/capitalize-ai/docchat/pkg/metrics"
)

// Event is one item on a dispatched stream. Exactly one of the fields is set.
// The final event carries either Response or Err, after which the channel closes.
type Event struct {
	Delta    *Delta
	Response *CompletionResponse
	Err      error
}

// Stream is an in-flight model request.
type Stream struct {
	ID     string
	Events <-chan Event
}

// Dispatcher runs streaming requests in the background and lets callers
// cancel them by request id.
type Dispatcher struct {
	client Client
	logger *logger.Logger
	buffer int

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewDispatcher creates a dispatcher over client.
func NewDispatcher(client Client, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		logger:   log.Named("dispatcher"),
		buffer:   64,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Stream starts req and returns immediately. The request is aborted when ctx
// is done or Cancel is called with the returned id.
func (d *Dispatcher) Stream(ctx context.Context, req *CompletionRequest) *Stream {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event, d.buffer)

	d.mu.Lock()
	d.inflight[id] = cancel
	d.mu.Unlock()

	go d.run(ctx, id, req, events)

	return &Stream{ID: id, Events: events}
}

func (d *Dispatcher) run(ctx context.Context, id string, req *CompletionRequest, events chan<- Event) {
	defer close(events)
	defer d.release(id)

	start := time.Now()
	resp, err := d.client.CompleteStream(ctx, req, func(delta Delta) error {
		select {
		case events <- Event{Delta: &delta}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	status := "ok"
	final := Event{Response: resp}
	switch {
	case ctx.Err() != nil:
		status = "cancelled"
		final = Event{Err: ctx.Err()}
	case err != nil:
		status = "error"
		final = Event{Err: err}
	}

	modelName := req.Model
	tokensIn, tokensOut := 0, 0
	if resp != nil {
		modelName = resp.Model
		tokensIn = resp.Usage.InputTokens + resp.Usage.CacheReadTokens + resp.Usage.CacheCreationTokens
		tokensOut = resp.Usage.OutputTokens
	}
	metrics.RecordLLMStream(modelName, status, time.Since(start).Seconds(), tokensIn, tokensOut)

	if status == "error" {
		d.logger.Warn("model stream failed",
			zap.String("request_id", id),
			zap.String("model", modelName),
			zap.Error(err),
		)
	}

	// The final event must not block forever once the consumer has gone.
	select {
	case events <- final:
	case <-time.After(5 * time.Second):
		d.logger.Debug("dropped final stream event", zap.String("request_id", id))
	}
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	cancel, ok := d.inflight[id]
	delete(d.inflight, id)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel aborts the request with id. It reports whether a live request was
// cancelled; repeated calls are no-ops.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	cancel, ok := d.inflight[id]
	delete(d.inflight, id)
	d.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	metrics.LLMCancellationsTotal.Inc()
	d.logger.Debug("model stream cancelled", zap.String("request_id", id))
	return true
}

// InFlight returns the number of running requests.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// CountTokens delegates to the underlying client.
func (d *Dispatcher) CountTokens(ctx context.Context, modelName, text string) (int, error) {
	return d.client.CountTokens(ctx, modelName, text)
}

// Collect drains s and returns the final response. Deltas are passed to onDelta when non-nil.
func Collect(s *Stream, onDelta func(Delta)) (*CompletionResponse, error) {
	var resp *CompletionResponse
	var err error
	for ev := range s.Events {
		switch {
		case ev.Delta != nil:
			if onDelta != nil {
				onDelta(*ev.Delta)
			}
		case ev.Err != nil:
			err = ev.Err
		case ev.Response != nil:
			resp = ev.Response
		}
	}
	return resp, err
}
