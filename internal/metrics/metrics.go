// Package metrics exposes Prometheus instrumentation for turns,
// classification, capability stages and generation runs.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/quill/internal/router"
	"github.com/ShayCichocki/quill/internal/streaming"
	"github.com/ShayCichocki/quill/pkg/models"
)

const namespace = "quill"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turns                  *prometheus.CounterVec
	decisions              *prometheus.CounterVec
	classificationFailures prometheus.Counter
	stages                 *prometheus.CounterVec
	stageDuration          *prometheus.HistogramVec
	cascadeSkipped         prometheus.Counter
	generations            *prometheus.CounterVec
	generationDuration     prometheus.Histogram
	droppedEvents          prometheus.Counter
	summaries              *prometheus.CounterVec
	tokens                 *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled conversation turns by result status.",
		}, []string{"status"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Routing decisions by source and action.",
		}, []string{"source", "action"}),
		classificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_failures_total",
			Help:      "Model classifications that fell back to heuristics.",
		}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_stages_total",
			Help:      "Capability invocations by capability and status.",
		}, []string{"capability", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_stage_seconds",
			Help:      "Capability invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"capability"}),
		cascadeSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_skipped_total",
			Help:      "Follow-up invocations skipped because of the depth bound.",
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_runs_total",
			Help:      "Generation runs by outcome (complete, error, conflict).",
		}, []string{"outcome"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_run_seconds",
			Help:      "Generation run duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_dropped_total",
			Help:      "Stream events dropped because the consumer queue was full.",
		}),
		summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Summary regenerations by result.",
		}, []string{"result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Model tokens consumed by direction (input, output).",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		m.turns, m.decisions, m.classificationFailures,
		m.stages, m.stageDuration, m.cascadeSkipped,
		m.generations, m.generationDuration, m.droppedEvents,
		m.summaries, m.tokens,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TrackActiveGenerations exports the number of live generation locks.
func (m *Metrics) TrackActiveGenerations(locks *streaming.LockTable) {
	if m == nil || locks == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_generations",
		Help:      "Resources with a live generation run.",
	}, func() float64 { return float64(locks.Len()) }))
}

// ObserveTokens counts the tokens of one model call.
func (m *Metrics) ObserveTokens(input, output int64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(input))
	m.tokens.WithLabelValues("output").Add(float64(output))
}

// ObserveTurn counts a finished turn.
func (m *Metrics) ObserveTurn(status string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(status).Inc()
}

// ObserveDecision records a classification. Its signature matches
// classifier.WithObserver.
func (m *Metrics) ObserveDecision(d models.Decision, err error) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Source), string(d.Action)).Inc()
	if err != nil {
		m.classificationFailures.Inc()
	}
}

// ObserveStage records one capability invocation. Its signature matches
// router.WithStageObserver.
func (m *Metrics) ObserveStage(st router.StageResult) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(st.Capability, string(st.Status)).Inc()
	m.stageDuration.WithLabelValues(st.Capability).Observe(st.Duration.Seconds())
}

// ObserveExecution records turn-level cascade information.
func (m *Metrics) ObserveExecution(res router.ExecutionResult) {
	if m == nil {
		return
	}
	if res.CascadeSkipped != "" {
		m.cascadeSkipped.Inc()
	}
}

// ObserveGeneration records a finished run. Its signature matches
// streaming.WithOnFinish.
func (m *Metrics) ObserveGeneration(_ context.Context, out streaming.Outcome) {
	if m == nil {
		return
	}
	outcome := string(models.StreamComplete)
	if out.Err != nil {
		outcome = string(models.StreamError)
	}
	m.generations.WithLabelValues(outcome).Inc()
	m.generationDuration.Observe(out.Duration.Seconds())
	m.droppedEvents.Add(float64(out.Dropped))
}

// ObserveConflict counts a rejected generation start.
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(string(streaming.StartStatusConflict)).Inc()
}

// ObserveSummary records a summary regeneration. Its signature matches
// convo.WithSummaryObserver.
func (m *Metrics) ObserveSummary(_ string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.summaries.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	if logger != nil {
		logger.Info("metrics listening", "addr", addr)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
