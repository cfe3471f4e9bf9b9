package model

import (
	"encoding/json"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type RunRecord struct {
	VersionedRecord
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	Seed          int64           `json:"seed"`
	Ticks         int             `json:"ticks"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	Solver        string          `json:"solver"`
	InitialAgents int             `json:"initial_agents"`
	FinalAgents   int             `json:"final_agents"`
	SkippedSolves int             `json:"skipped_solves"`
	Config        json.RawMessage `json:"config,omitempty"`
}

// Aggregate is one named per-tick reduction over agent states.
type Aggregate struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type TickSummary struct {
	Tick          int         `json:"tick"`
	Agents        int         `json:"agents"`
	Births        int         `json:"births"`
	Deaths        int         `json:"deaths"`
	Moves         int         `json:"moves"`
	SolverSkipped bool        `json:"solver_skipped"`
	Aggregates    []Aggregate `json:"aggregates"`
	FieldTotals   []Aggregate `json:"field_totals"`
}

type FieldSnapshot struct {
	Name   string    `json:"name"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float64 `json:"values"`
}

// TickSnapshot is what output observers receive at the end of a tick.
// Field values are row-major copies.
type TickSnapshot struct {
	Summary TickSummary     `json:"summary"`
	Fields  []FieldSnapshot `json:"fields"`
}

type AgentRecord struct {
	VersionedRecord
	Handle int       `json:"handle"`
	X      int       `json:"x"`
	Y      int       `json:"y"`
	State  []float64 `json:"state"`
}
