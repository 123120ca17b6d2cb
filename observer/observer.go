// Package observer provides OTEL-based instrumentation for fleet turns.
//
// It implements flotilla.TurnObserver with a span per turn plus counters for
// turn outcomes, token usage, and estimated cost, and emits one structured
// log record per finished turn. Exporters are the standard OTLP HTTP ones;
// endpoint and headers come from the usual OTEL env vars. Without Init the
// global providers are no-ops and instrumentation is free.
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/flotilla-dev/flotilla"
)

const scopeName = "github.com/flotilla-dev/flotilla/observer"

// Config tunes the observer.
type Config struct {
	// ServiceName defaults to "flotilla".
	ServiceName string
	// Pricing overrides or extends the built-in per-model pricing table.
	Pricing map[string]ModelPricing
	// Models maps agent name to model for cost attribution. Agents missing
	// here record zero cost.
	Models map[string]string
}

// Observer implements flotilla.TurnObserver on OTEL instruments.
type Observer struct {
	tracer       trace.Tracer
	logger       otellog.Logger
	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	tokens       metric.Int64Counter
	cost         metric.Float64Counter
	calc         *CostCalculator
	models       map[string]string
}

var _ flotilla.TurnObserver = (*Observer)(nil)

// Init configures global OTEL trace, metric, and log providers with OTLP
// HTTP exporters, then builds an Observer on them. The returned shutdown
// function flushes and must be called on exit.
func Init(ctx context.Context, cfg Config) (*Observer, func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "flotilla"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(name)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	obs, err := New(cfg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}
	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	return obs, shutdown, nil
}

// New builds an Observer on the current global providers. Useful in tests
// and when the host application owns provider setup.
func New(cfg Config) (*Observer, error) {
	meter := otel.Meter(scopeName)

	turns, err := meter.Int64Counter("fleet.turns",
		metric.WithDescription("Completed agent turns"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram("fleet.turn.duration",
		metric.WithDescription("Agent turn duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	cost, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative estimated LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	return &Observer{
		tracer:       otel.Tracer(scopeName),
		logger:       global.GetLoggerProvider().Logger(scopeName),
		turns:        turns,
		turnDuration: turnDuration,
		tokens:       tokens,
		cost:         cost,
		calc:         NewCostCalculator(cfg.Pricing),
		models:       cfg.Models,
	}, nil
}

// TurnStarted opens the turn span. The returned closer records duration and
// outcome exactly once.
func (o *Observer) TurnStarted(ctx context.Context, agent string, trigger flotilla.TriggerType) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		AttrAgentName.String(agent),
		AttrTrigger.String(string(trigger)),
	))
	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		durationMs := float64(time.Since(start).Milliseconds())
		attrs := metric.WithAttributes(
			AttrAgentName.String(agent),
			AttrTurnStatus.String(status),
		)
		o.turns.Add(ctx, 1, attrs)
		o.turnDuration.Record(ctx, durationMs, attrs)

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		if err != nil {
			rec.SetSeverity(otellog.SeverityError)
		}
		rec.SetBody(otellog.StringValue("agent turn completed"))
		rec.AddAttributes(
			otellog.String("agent.name", agent),
			otellog.String("turn.trigger", string(trigger)),
			otellog.String("turn.status", status),
			otellog.Float64("turn.duration_ms", durationMs),
		)
		o.logger.Emit(ctx, rec)

		span.End()
	}
}

// TokensUsed records one usage delta and its estimated cost.
func (o *Observer) TokensUsed(ctx context.Context, agent string, u flotilla.Usage) {
	agentAttr := AttrAgentName.String(agent)
	if u.InputTokens > 0 {
		o.tokens.Add(ctx, int64(u.InputTokens), metric.WithAttributes(
			agentAttr, AttrTokenDirection.String("input")))
	}
	if u.OutputTokens > 0 {
		o.tokens.Add(ctx, int64(u.OutputTokens), metric.WithAttributes(
			agentAttr, AttrTokenDirection.String("output")))
	}
	model := o.models[agent]
	if c := o.calc.Calculate(model, u.InputTokens, u.OutputTokens); c > 0 {
		o.cost.Add(ctx, c, metric.WithAttributes(agentAttr, AttrModel.String(model)))
	}
}
