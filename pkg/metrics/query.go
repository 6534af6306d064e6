package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SessionMetrics represents aggregated usage for one session.
type SessionMetrics struct {
	SessionID     string  `json:"session_id"`
	ProviderCalls int64   `json:"provider_calls"`
	FailedCalls   int64   `json:"failed_calls"`
	AvgLatency    float64 `json:"avg_latency_seconds"`
}

// QueryService queries a Prometheus server for aggregated pipeline metrics.
type QueryService struct {
	queryAPI v1.API
}

func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetSessionMetrics aggregates provider call counts and latency for a
// session across all providers.
func (q *QueryService) GetSessionMetrics(ctx context.Context, sessionID string) (*SessionMetrics, error) {
	metrics := &SessionMetrics{SessionID: sessionID}

	callsQuery := fmt.Sprintf(`sum(conclave_provider_calls_total{session_id=%q})`, sessionID)
	callsResult, _, err := q.queryAPI.Query(ctx, callsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query provider calls: %w", err)
	}
	if vector, ok := callsResult.(model.Vector); ok && len(vector) > 0 {
		metrics.ProviderCalls = int64(vector[0].Value)
	}

	failedQuery := fmt.Sprintf(`sum(conclave_provider_calls_total{session_id=%q, outcome="error"})`, sessionID)
	failedResult, _, err := q.queryAPI.Query(ctx, failedQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query failed calls: %w", err)
	}
	if vector, ok := failedResult.(model.Vector); ok && len(vector) > 0 {
		metrics.FailedCalls = int64(vector[0].Value)
	}

	latencyQuery := fmt.Sprintf(
		`sum(rate(conclave_provider_call_seconds_sum{session_id=%q}[1h])) / sum(rate(conclave_provider_call_seconds_count{session_id=%q}[1h]))`,
		sessionID, sessionID)
	latencyResult, _, err := q.queryAPI.Query(ctx, latencyQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query latency: %w", err)
	}
	if vector, ok := latencyResult.(model.Vector); ok && len(vector) > 0 {
		metrics.AvgLatency = float64(vector[0].Value)
	}

	return metrics, nil
}
