// Package broker runs the admission-controlled request loop: choose a
// model, register the attempt in the ledger, gate on the local limiter and
// the remote budget, call upstream, and retry with backoff on retryable
// failures.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"modelbroker/internal/budget"
	"modelbroker/internal/chooser"
	"modelbroker/internal/core"
	"modelbroker/internal/diag"
	"modelbroker/internal/ledger"
	"modelbroker/internal/observability"
	"modelbroker/internal/perf"
	"modelbroker/internal/ratelimit"
	"modelbroker/internal/retry"
	"modelbroker/internal/transport"
)

// Request is one brokered call.
type Request struct {
	// RequestID should be a stable caller-chosen id so crash recovery can
	// deduplicate. Empty generates one.
	RequestID  string
	TenantKey  string
	Candidates []core.ModelSpec
	Policy     chooser.Policy
	// Payload is the upstream request body without the model fields; the
	// broker injects model and service_tier from the chosen spec.
	Payload map[string]any
	// EstimatedTokens sizes the limiter reservation. Zero means
	// request-only accounting.
	EstimatedTokens int
}

// Result is a completed brokered call.
type Result struct {
	RequestID string
	Decision  chooser.Decision
	Response  *transport.Response
	Attempts  int
}

// Config wires the broker's collaborators.
type Config struct {
	Chooser     *chooser.Chooser
	Ledger      *ledger.Ledger
	Limiter     *ratelimit.Limiter
	Budget      *budget.Store
	Perf        *perf.Store
	Transport   transport.Transport
	Completions *CompletionLog
	Policy      retry.Policy
	Metrics     *observability.Metrics
	Diag        *diag.Ring
	BaseURL     string
	APIKey      string
}

// Broker is the orchestrator. Construct once and share.
type Broker struct {
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a broker.
func New(cfg Config) *Broker {
	return &Broker{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// SetClock replaces the time and sleep sources. Test hook.
func (b *Broker) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	b.now = now
	b.sleep = sleep
}

// Do runs one request end to end. The returned error, if any, is always a
// classified *core.BrokerError.
func (b *Broker) Do(ctx context.Context, req Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = core.GetRequestID(ctx)
	}
	if req.TenantKey == "" {
		req.TenantKey = core.GetTenantKey(ctx)
	}

	dec := b.cfg.Chooser.Choose(ctx, chooser.Request{
		Candidates: req.Candidates,
		Policy:     req.Policy,
		TenantKey:  req.TenantKey,
	})
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.Decisions.WithLabelValues(string(dec.Policy), string(dec.Reason)).Inc()
	}
	if dec.ChosenSpec == nil {
		b.event(diag.LevelWarn, "chooser", "no usable model candidates", map[string]string{
			"tenant": req.TenantKey,
		})
		return &Result{Decision: dec}, core.NewUnknownError(errors.New("no usable model candidates"))
	}
	spec := *dec.ChosenSpec

	rec, _ := b.cfg.Ledger.Begin(ctx, ledger.Request{
		RequestID: req.RequestID,
		TenantKey: req.TenantKey,
		Spec:      spec.String(),
		Meta:      replayMeta(&req),
	})
	requestID := rec.RequestID

	result := &Result{RequestID: requestID, Decision: dec}
	firstAttempt := b.now()
	attempt := rec.Attempt
	if attempt < 1 {
		attempt = 1
	}

	for {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, b.fail(ctx, requestID, core.Classify(err))
		}

		if err := b.admit(ctx, requestID, spec, req.EstimatedTokens, attempt); err != nil {
			return result, b.fail(ctx, requestID, core.Classify(err))
		}

		res, err := b.cfg.Transport.Send(ctx, b.buildRequest(&req, spec))
		if res != nil && b.cfg.Budget != nil {
			b.cfg.Budget.ObserveHeaders(ctx, spec.String(), res.Headers)
		}
		if err == nil {
			b.recordSuccess(ctx, spec, res)
			// Completion marker first, then the in-flight record: a crash
			// in between leaves an adoptable orphan, not a duplicate.
			if b.cfg.Completions != nil {
				b.cfg.Completions.MarkCompleted(ctx, requestID)
			}
			b.cfg.Ledger.Complete(ctx, requestID)
			result.Response = res
			return result, nil
		}

		berr := core.Classify(err)
		if berr.Kind == core.KindRateLimited {
			if b.cfg.Budget != nil {
				b.cfg.Budget.MarkRateLimited(ctx, spec.String(), berr.RetryAfter)
			}
			if b.cfg.Metrics != nil {
				b.cfg.Metrics.BudgetCooldowns.Inc()
			}
		}

		if !berr.Retryable || !b.cfg.Policy.ShouldRetry(attempt, firstAttempt, b.now()) {
			b.event(diag.LevelError, "broker", "request failed terminally", map[string]string{
				"request_id": requestID,
				"kind":       string(berr.Kind),
				"attempts":   strconv.Itoa(attempt),
			})
			return result, b.fail(ctx, requestID, berr)
		}

		delay := b.cfg.Policy.DelayFor(berr, attempt)
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.Retries.WithLabelValues(string(berr.Kind)).Inc()
		}
		slog.Warn("retrying request",
			"request_id", requestID, "kind", berr.Kind, "attempt", attempt, "delay", delay)

		attempt++
		b.cfg.Ledger.Heartbeat(ctx, requestID, attempt)
		if err := b.sleep(ctx, delay); err != nil {
			return result, b.fail(ctx, requestID, core.Classify(err))
		}
	}
}

// admit blocks until both the remote budget cooldown and the local token
// buckets let the request through. Waiting never consumes a retry attempt,
// but the lease is refreshed so the sweeper leaves the request alone.
func (b *Broker) admit(ctx context.Context, requestID string, spec core.ModelSpec, tokens, attempt int) error {
	for {
		if b.cfg.Budget != nil {
			if wait := b.cfg.Budget.ResolveWait(ctx, spec.String()); wait > 0 {
				b.event(diag.LevelInfo, "budget", "waiting out cooldown", map[string]string{
					"spec": spec.String(),
					"wait": wait.String(),
				})
				b.cfg.Ledger.Heartbeat(ctx, requestID, attempt)
				if err := b.sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}
		}

		if b.cfg.Limiter != nil {
			if d := b.cfg.Limiter.TryConsume(1, tokens); !d.Allowed {
				if b.cfg.Metrics != nil {
					b.cfg.Metrics.RateLimitHits.Inc()
				}
				b.cfg.Ledger.Heartbeat(ctx, requestID, attempt)
				if err := b.sleep(ctx, d.RetryAfter); err != nil {
					return err
				}
				continue
			}
		}
		return nil
	}
}

// buildRequest renders the upstream call for the chosen spec. The model id
// and service tier always come from the decision, never the caller payload.
func (b *Broker) buildRequest(req *Request, spec core.ModelSpec) *transport.Request {
	payload := make(map[string]any, len(req.Payload)+2)
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload["model"] = spec.ID
	if spec.Tier != core.TierStandard {
		payload["service_tier"] = string(spec.Tier)
	}
	body, _ := json.Marshal(payload)

	headers := http.Header{}
	if b.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	return &transport.Request{
		Method:  http.MethodPost,
		URL:     b.cfg.BaseURL + "/v1/responses",
		Headers: headers,
		Body:    body,
		Spec:    spec,
	}
}

// recordSuccess feeds the performance store and metrics from a completed
// response.
func (b *Broker) recordSuccess(ctx context.Context, spec core.ModelSpec, res *transport.Response) {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.UpstreamLatency.WithLabelValues(spec.ID).Observe(res.Latency.Seconds())
	}
	if b.cfg.Perf == nil {
		return
	}

	sample := perf.Sample{
		Latency:      res.Latency,
		Kind:         perf.KindTraffic,
		OutputTokens: int(res.Usage.OutputTokens),
		TotalTokens:  int(res.Usage.TotalTokens),
	}
	if res.Usage.OutputTokens > 0 && res.Latency > 0 {
		sample.TPS = float64(res.Usage.OutputTokens) / res.Latency.Seconds()
	}
	b.cfg.Perf.RecordSample(ctx, spec, sample)
}

// fail writes the terminal error onto the in-flight record and returns it.
// The write uses a detached context so a cancelled caller still leaves an
// inspectable record behind.
func (b *Broker) fail(ctx context.Context, requestID string, berr *core.BrokerError) *core.BrokerError {
	b.cfg.Ledger.Fail(context.WithoutCancel(ctx), requestID, berr.Error())
	return berr
}

func (b *Broker) event(level diag.Level, tag, message string, meta map[string]string) {
	if b.cfg.Diag != nil {
		b.cfg.Diag.Record(level, tag, message, meta)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
