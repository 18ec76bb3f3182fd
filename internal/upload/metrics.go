package upload

import (
	"context"

	"github.com/example/caption-demo/internal/repository"
)

// SubmissionAggregator reads totals from the submission audit log.
type SubmissionAggregator interface {
	AggregateSubmissions(ctx context.Context, successStatus string) (*repository.SubmissionAggregation, error)
}

// SubmissionSummary represents aggregated caption submission insights.
type SubmissionSummary struct {
	TotalSubmissions      int64   `json:"total_submissions"`
	SuccessfulSubmissions int64   `json:"successful_submissions"`
	FailedSubmissions     int64   `json:"failed_submissions"`
	SuccessRate           float64 `json:"success_rate"`
	AverageLatencyMs      float64 `json:"average_latency_ms"`
}

// Summarize aggregates submission outcomes from persisted logs.
func Summarize(ctx context.Context, agg SubmissionAggregator) (*SubmissionSummary, error) {
	aggregation, err := agg.AggregateSubmissions(ctx, string(StatusSucceeded))
	if err != nil {
		return nil, err
	}

	summary := &SubmissionSummary{
		TotalSubmissions:      aggregation.TotalCount,
		SuccessfulSubmissions: aggregation.SuccessCount,
		FailedSubmissions:     aggregation.TotalCount - aggregation.SuccessCount,
		AverageLatencyMs:      aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
