// Package batch executes change-set operations as multipart batch requests.
//
// Operations are grouped by calendar in first-appearance order, since the
// remote API only accepts single-calendar batches, and each group is split
// into chunks of at most Config.MaxBatchSize. Every chunk is one envelope.
// Results are matched back to operations by correlation ID; an operation
// whose ID is missing from the response is reported as failed.
//
// A 502 or 503 on the envelope gets one retry of the same chunk after
// Config.RetryDelay. Any other envelope failure fails every operation in the
// chunk; the caller decides whether those go to the offline queue.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tasksync/tasksync/internal/batchcodec"
	"github.com/tasksync/tasksync/internal/calendar"
	"github.com/tasksync/tasksync/internal/changeset"
)

// MaxAPIBatchSize is the remote API's documented ceiling.
const MaxAPIBatchSize = 1000

// ErrEncode marks operations that could not be turned into a request.
var ErrEncode = errors.New("failed to encode operation")

// ErrMissingResponse is reported for an operation absent from the response.
var ErrMissingResponse = errors.New("no response for operation")

// Transport sends one batch envelope.
type Transport interface {
	Do(ctx context.Context, reqs []batchcodec.Request) ([]batchcodec.Response, error)
}

// Encoder builds the sub-request for an operation.
type Encoder interface {
	Encode(op changeset.Operation) (batchcodec.Request, error)
}

// Config holds executor settings.
type Config struct {
	MaxBatchSize int
	RetryDelay   time.Duration
}

// DefaultConfig returns chunks of 50 and a two second retry wait.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 50,
		RetryDelay:   2 * time.Second,
	}
}

// Result is the outcome of one operation.
type Result struct {
	CorrelationID string
	Op            changeset.Operation
	Status        int
	Success       bool
	Body          []byte
	Err           error
}

// Outcome is the outcome of Execute.
type Outcome struct {
	Results      []Result
	AllSucceeded bool

	// BatchFailed is set when at least one chunk failed as a whole.
	BatchFailed bool

	Chunks int
}

// Failed returns the results that did not succeed.
func (o *Outcome) Failed() []Result {
	var out []Result
	for _, r := range o.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Executor runs operations against a Transport.
type Executor struct {
	transport Transport
	encoder   Encoder
	config    Config
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates an executor. A non-positive or oversized batch size falls
// back to the default.
func New(transport Transport, encoder Encoder, config Config, logger *slog.Logger) *Executor {
	if config.MaxBatchSize <= 0 || config.MaxBatchSize > MaxAPIBatchSize {
		config.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		transport: transport,
		encoder:   encoder,
		config:    config,
		logger:    logger.With("component", "batch"),
		sleep:     sleepContext,
	}
}

// Execute runs ops and returns one result per operation, in input order.
func (e *Executor) Execute(ctx context.Context, ops []changeset.Operation) *Outcome {
	out := &Outcome{AllSucceeded: true}
	if len(ops) == 0 {
		return out
	}

	index := make(map[string]int, len(ops))
	results := make([]Result, len(ops))
	for i, op := range ops {
		id := op.Head().CorrelationID
		index[id] = i
		results[i] = Result{CorrelationID: id, Op: op}
	}

	for _, chunk := range Chunk(ops, e.config.MaxBatchSize) {
		out.Chunks++
		if !e.runChunk(ctx, chunk, index, results) {
			out.BatchFailed = true
		}
	}

	out.Results = results
	for _, r := range results {
		if !r.Success {
			out.AllSucceeded = false
			break
		}
	}
	return out
}

// runChunk fills in results for chunk and reports whether the envelope
// itself succeeded.
func (e *Executor) runChunk(ctx context.Context, chunk []changeset.Operation, index map[string]int, results []Result) bool {
	reqs := make([]batchcodec.Request, 0, len(chunk))
	for _, op := range chunk {
		req, err := e.encoder.Encode(op)
		if err != nil {
			r := &results[index[op.Head().CorrelationID]]
			r.Err = fmt.Errorf("%w %s: %w", ErrEncode, op.Kind(), err)
			continue
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return true
	}

	resps, err := e.transport.Do(ctx, reqs)
	if err != nil && calendar.IsRetryable(err) {
		e.logger.Warn("batch envelope failed, retrying once", "error", err, "delay", e.config.RetryDelay)
		if serr := e.sleep(ctx, e.config.RetryDelay); serr != nil {
			err = serr
		} else {
			resps, err = e.transport.Do(ctx, reqs)
		}
	}
	if err != nil {
		e.logger.Error("batch failed", "operations", len(reqs), "error", err)
		for _, req := range reqs {
			r := &results[index[req.ContentID]]
			r.Err = fmt.Errorf("batch failed: %w", err)
		}
		return false
	}

	seen := make(map[string]bool, len(resps))
	for _, resp := range resps {
		i, ok := index[resp.ContentID]
		if !ok {
			e.logger.Warn("response for unknown operation", "content_id", resp.ContentID)
			continue
		}
		seen[resp.ContentID] = true
		r := &results[i]
		r.Status = resp.Status
		r.Body = resp.Body
		if calendar.ClassifyStatus(resp.Status) == calendar.StatusSuccess {
			r.Success = true
			r.Err = nil
			continue
		}
		r.Err = &calendar.StatusError{Status: resp.Status, Body: string(resp.Body)}
	}

	for _, req := range reqs {
		if !seen[req.ContentID] {
			results[index[req.ContentID]].Err = ErrMissingResponse
		}
	}
	return true
}

// Chunk groups ops by calendar in first-appearance order and splits each
// group into chunks of at most size.
func Chunk(ops []changeset.Operation, size int) [][]changeset.Operation {
	if size <= 0 {
		size = DefaultConfig().MaxBatchSize
	}
	var order []string
	groups := make(map[string][]changeset.Operation)
	for _, op := range ops {
		c := op.Head().CollectionID
		if _, ok := groups[c]; !ok {
			order = append(order, c)
		}
		groups[c] = append(groups[c], op)
	}

	var chunks [][]changeset.Operation
	for _, c := range order {
		g := groups[c]
		for len(g) > size {
			chunks = append(chunks, g[:size:size])
			g = g[size:]
		}
		chunks = append(chunks, g)
	}
	return chunks
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
