package storage

import (
	"context"

	"fibrosim/internal/model"
)

// DefaultStoreKind is used when no backend is configured.
const DefaultStoreKind = KindMemory

// Store persists run records and their per-tick output.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveTickSummaries(ctx context.Context, runID string, summaries []model.TickSummary) error
	GetTickSummaries(ctx context.Context, runID string) ([]model.TickSummary, bool, error)
	SaveFinalAgents(ctx context.Context, runID string, agents []model.AgentRecord) error
	GetFinalAgents(ctx context.Context, runID string) ([]model.AgentRecord, bool, error)
}
