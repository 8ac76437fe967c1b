// Package publisher periodically generates sensor readings and submits them
// to a vaccine batch on the ledger.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimdanitro/cold-chain-publisher/pkg/gateway"
	"github.com/nimdanitro/cold-chain-publisher/pkg/reading"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("publisher already started")
	ErrStopped        = errors.New("publisher stopped")
)

type State int32

const (
	Unauthenticated State = iota
	Authenticating
	Publishing
	Stopped
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Publishing:
		return "publishing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Gateway is the subset of the REST gateway the publisher needs.
type Gateway interface {
	gateway.Authenticator
	gateway.Invoker
}

// Outcome is the result of a single tick's submission. Exactly one of
// Result and Err is meaningful.
type Outcome struct {
	Reading   reading.SensorReading
	RequestID string
	TxID      string
	Result    any
	Err       error
	Duration  time.Duration
}

func (o Outcome) OK() bool { return o.Err == nil }

type Publisher struct {
	cfg     Config
	creds   gateway.Credentials
	gw      Gateway
	gen     *reading.Generator
	log     *zap.Logger
	metrics *Metrics
	observe func(Outcome)

	mu     sync.Mutex
	state  State
	token  string
	cancel context.CancelFunc
	done   chan struct{}

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

type Option func(p *Publisher)

func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		p.log = l
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func WithGenerator(g *reading.Generator) Option {
	return func(p *Publisher) {
		p.gen = g
	}
}

// WithOutcomeHandler registers fn to be called after every submission.
func WithOutcomeHandler(fn func(Outcome)) Option {
	return func(p *Publisher) {
		p.observe = fn
	}
}

func New(cfg Config, creds gateway.Credentials, gw Gateway, opts ...Option) (*Publisher, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}
	if gw == nil {
		return nil, errors.New("gateway cannot be nil")
	}

	p := &Publisher{
		cfg:   cfg,
		creds: creds,
		gw:    gw,
		log:   zap.L(),
		state: Unauthenticated,
	}
	for _, o := range opts {
		o(p)
	}
	if p.gen == nil {
		p.gen = reading.NewGenerator()
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}

	return p, nil
}

func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start logs in once and then publishes a reading every interval until Stop
// is called or ctx is done. It returns the login error, if any, leaving the
// publisher unauthenticated.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case Stopped:
		p.mu.Unlock()
		return ErrStopped
	case Authenticating, Publishing:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.state = Authenticating
	p.cancel = cancel
	p.mu.Unlock()

	p.log.Info("logging in to gateway", zap.String("username", p.creds.Username), zap.String("org", p.creds.OrgName))
	token, err := p.gw.Login(runCtx, p.creds)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Stopped {
		cancel()
		return ErrStopped
	}
	if err != nil {
		cancel()
		p.state = Unauthenticated
		p.cancel = nil
		return fmt.Errorf("login: %w", err)
	}

	p.token = token
	p.state = Publishing
	p.done = make(chan struct{})
	go p.run(runCtx, p.done)

	p.log.Info("publishing readings",
		zap.String("batchId", p.cfg.BatchID),
		zap.String("sensorId", p.cfg.SensorID),
		zap.Duration("interval", p.cfg.Interval),
	)
	return nil
}

// Stop halts the ticker and waits for an in-flight submission to finish.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.state == Stopped {
		p.mu.Unlock()
		return
	}
	p.state = Stopped
	if p.cancel != nil {
		p.cancel()
	}
	done := p.done
	p.mu.Unlock()

	if done != nil {
		<-done
	}
	p.wg.Wait()
	p.log.Info("publisher stopped")
}

func (p *Publisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx)

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Publisher) tick(ctx context.Context) {
	p.metrics.ticks.Inc()

	if !p.inFlight.CompareAndSwap(false, true) {
		p.metrics.skipped.Inc()
		p.log.Warn("previous submission still in flight, skipping tick")
		return
	}
	p.metrics.inFlight.Set(1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.metrics.inFlight.Set(0)
			p.inFlight.Store(false)
		}()

		p.report(ctx, p.submit(ctx))
	}()
}

func (p *Publisher) submit(ctx context.Context) Outcome {
	r := p.gen.Next(p.cfg.SensorID)
	out := Outcome{Reading: r}

	inv, err := p.invocation(r)
	if err != nil {
		out.Err = err
		return out
	}

	start := time.Now()
	res, err := p.gw.Invoke(ctx, p.token, inv)
	out.Duration = time.Since(start)
	if res != nil {
		out.RequestID = res.RequestID
		out.Result = res.Result
		out.TxID = res.TxID()
	}
	out.Err = err

	return out
}

func (p *Publisher) invocation(r reading.SensorReading) (gateway.Invocation, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return gateway.Invocation{}, fmt.Errorf("encode reading: %w", err)
	}

	return gateway.Invocation{
		Fcn:           p.cfg.Function,
		ChaincodeName: p.cfg.Chaincode,
		ChannelName:   p.cfg.Channel,
		Args:          []string{p.cfg.BatchID, string(data)},
	}, nil
}

func (p *Publisher) report(ctx context.Context, out Outcome) {
	attrs := metric.WithAttributes(
		attribute.String("sensor.id", p.cfg.SensorID),
		attribute.String("batch.id", p.cfg.BatchID),
	)
	p.metrics.temperature.Record(ctx, float64(out.Reading.Temperature), attrs)

	switch {
	case out.Err == nil:
		p.metrics.submissions.WithLabelValues("success").Inc()
		p.metrics.duration.Record(ctx, out.Duration.Seconds(), attrs)
		p.log.Info("transaction submitted",
			zap.Any("result", out.Result),
			zap.String("txId", out.TxID),
			zap.String("requestId", out.RequestID),
			zap.Int("temperature", out.Reading.Temperature),
			zap.Time("timestamp", out.Reading.Time()),
		)
	case errors.Is(out.Err, context.Canceled):
		p.metrics.submissions.WithLabelValues("cancelled").Inc()
		p.log.Info("submission cancelled", zap.String("requestId", out.RequestID))
	default:
		p.metrics.submissions.WithLabelValues("failure").Inc()
		p.metrics.duration.Record(ctx, out.Duration.Seconds(), attrs)
		p.log.Error("transaction failed",
			zap.String("requestId", out.RequestID),
			zap.Error(out.Err),
		)
	}

	if p.observe != nil {
		p.observe(out)
	}
}
