package knowledge

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	queryLatencyHist     metric.Float64Histogram
	candidateCounter     metric.Int64Counter
	rejectedChunkCounter metric.Int64Counter
	emptyEvidenceCounter metric.Int64Counter
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("evidentia.knowledge")
		queryLatencyHist, _ = meter.Float64Histogram(
			"evidentia_retrieval_latency_seconds",
			metric.WithDescription("End-to-end retrieval pipeline latency"),
		)
		candidateCounter, _ = meter.Int64Counter(
			"evidentia_retrieval_candidates_total",
			metric.WithDescription("Candidates produced per pipeline stage"),
		)
		rejectedChunkCounter, _ = meter.Int64Counter(
			"evidentia_guardrail_rejected_chunks_total",
			metric.WithDescription("Evidence chunks dropped by the guardrail gate"),
		)
		emptyEvidenceCounter, _ = meter.Int64Counter(
			"evidentia_retrieval_empty_total",
			metric.WithDescription("Queries whose admissible evidence set was empty"),
		)
	})
}

// RecordQueryLatency records one pipeline execution's duration.
func RecordQueryLatency(ctx context.Context, outcome string, d time.Duration) {
	ensureMetrics()
	if queryLatencyHist == nil {
		return
	}
	queryLatencyHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCandidates counts candidates surviving the named stage.
func RecordCandidates(ctx context.Context, stage string, count int) {
	ensureMetrics()
	if candidateCounter == nil || count <= 0 {
		return
	}
	candidateCounter.Add(ctx, int64(count), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordRejectedChunks counts evidence dropped by the gate.
func RecordRejectedChunks(ctx context.Context, reason string, count int) {
	ensureMetrics()
	if rejectedChunkCounter == nil || count <= 0 {
		return
	}
	rejectedChunkCounter.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordEmptyEvidence counts grounded abstentions caused by screening.
func RecordEmptyEvidence(ctx context.Context) {
	ensureMetrics()
	if emptyEvidenceCounter == nil {
		return
	}
	emptyEvidenceCounter.Add(ctx, 1)
}
