// Package ingest feeds log lines through the rule engine into a table store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"banhammer/internal/codec"
	"banhammer/internal/domain"
	"banhammer/internal/tablestore"
)

type State int32

const (
	Running State = iota
	Terminated
)

func (s State) String() string {
	if s == Terminated {
		return "terminated"
	}
	return "running"
}

// Evaluator turns one line into pending inserts. *rules.Engine implements it.
type Evaluator interface {
	Evaluate(line string) []domain.PendingInsert
}

// Stats counts what the loop did.
type Stats struct {
	Lines     uint64
	Truncated uint64
	Inserts   uint64
	Failures  uint64
}

type Option func(*Ingester)

func WithLogger(logger *log.Logger) Option {
	return func(in *Ingester) {
		if logger != nil {
			in.logger = logger
		}
	}
}

// WithMaxLineBytes bounds the bytes kept for a single line.
func WithMaxLineBytes(n int) Option {
	return func(in *Ingester) {
		in.maxLine = n
	}
}

// WithFailureLimit sets how often transport failures are logged.
func WithFailureLimit(every time.Duration) Option {
	return func(in *Ingester) {
		in.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
}

// WithReporter calls report from the loop goroutine each time trigger
// fires, so report may read state the Evaluator owns.
func WithReporter(trigger <-chan os.Signal, report func()) Option {
	return func(in *Ingester) {
		if report == nil {
			return
		}
		in.reportC = trigger
		in.report = report
	}
}

// Ingester is the writer loop. It handles one line at a time.
type Ingester struct {
	engine  Evaluator
	store   tablestore.Store
	logger  *log.Logger
	maxLine int

	limiter    *rate.Limiter
	suppressed int

	reportC <-chan os.Signal
	report  func()

	state atomic.Int32

	lines     atomic.Uint64
	truncated atomic.Uint64
	inserts   atomic.Uint64
	failures  atomic.Uint64
}

func New(engine Evaluator, store tablestore.Store, opts ...Option) *Ingester {
	in := &Ingester{
		engine:  engine,
		store:   store,
		logger:  log.Default(),
		maxLine: 64 << 10,
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.state.Store(int32(Running))
	return in
}

func (in *Ingester) State() State {
	return State(in.state.Load())
}

func (in *Ingester) Stats() Stats {
	return Stats{
		Lines:     in.lines.Load(),
		Truncated: in.truncated.Load(),
		Inserts:   in.inserts.Load(),
		Failures:  in.failures.Load(),
	}
}

// Preflight checks that every target table is reachable before any line is
// read. PermissionDenied and TableNotFound are returned as errors.
func (in *Ingester) Preflight(ctx context.Context, tables []domain.TableID) error {
	var errs []error
	for _, table := range tables {
		if _, err := in.store.Enumerate(ctx, table); err != nil {
			if tablestore.IsFatal(err) {
				errs = append(errs, err)
				continue
			}
			in.logger.Warn("table check failed", "table", table, "error", err)
		}
	}
	return errors.Join(errs...)
}

type readResult struct {
	line      string
	truncated bool
	err       error
}

// Run reads r until end of stream. It returns nil on EOF or when ctx is
// cancelled, and an error when the store becomes unusable or r fails.
// Cancellation does not wait for a blocked read; r must not be reused after
// Run returns early.
func (in *Ingester) Run(ctx context.Context, r io.Reader) error {
	defer in.state.Store(int32(Terminated))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan readResult)
	go readLines(ctx, NewLineReader(r, in.maxLine), results)

	for {
		if ctx.Err() != nil {
			return nil
		}

		var res readResult
		select {
		case <-ctx.Done():
			return nil
		case <-in.reportC:
			in.report()
			continue
		case res = <-results:
		}

		if errors.Is(res.err, io.EOF) {
			return nil
		}
		if res.err != nil {
			return fmt.Errorf("read input: %w", res.err)
		}

		in.lines.Add(1)
		if res.truncated {
			in.truncated.Add(1)
			in.logger.Debug("line truncated", "limit", in.maxLine)
		}

		for _, p := range in.engine.Evaluate(res.line) {
			if err := in.apply(ctx, p); err != nil {
				return err
			}
		}
	}
}

// readLines hands lines to Run until the reader fails or ctx ends.
func readLines(ctx context.Context, lines *LineReader, out chan<- readResult) {
	for {
		line, truncated, err := lines.ReadLine()
		select {
		case out <- readResult{line: line, truncated: truncated, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// apply writes one insert. Only errors that make the table unusable are returned.
func (in *Ingester) apply(ctx context.Context, p domain.PendingInsert) error {
	expiry := codec.Never()
	if !p.Never {
		expiry = codec.At(p.ExpiresAt)
	}
	value, err := codec.Encode(expiry)
	if err != nil {
		in.logger.Warn("skipping ban with unencodable expiry", "rule", p.Rule, "address", p.Address, "error", err)
		return nil
	}

	err = in.store.Upsert(ctx, p.Table, p.Address, value)
	switch {
	case err == nil:
		in.inserts.Add(1)
		in.logger.Info("banned address", "rule", p.Rule, "table", p.Table, "address", p.Address, "expires", expiry)
		return nil
	case tablestore.IsFatal(err):
		in.logger.Error("table unusable, stopping", "table", p.Table, "error", err)
		return err
	case tablestore.IsKind(err, tablestore.Unsupported):
		in.failures.Add(1)
		in.logger.Warn("skipping ban", "rule", p.Rule, "address", p.Address, "error", err)
		return nil
	default:
		in.failures.Add(1)
		in.transportFailure(p, err)
		return nil
	}
}

func (in *Ingester) transportFailure(p domain.PendingInsert, err error) {
	if !in.limiter.Allow() {
		in.suppressed++
		return
	}
	in.logger.Warn("ban failed", "rule", p.Rule, "table", p.Table, "address", p.Address, "suppressed", in.suppressed, "error", err)
	in.suppressed = 0
}
