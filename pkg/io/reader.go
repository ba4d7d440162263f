// Package io defines the contracts between the detection pipeline and the
// systems that hold audit events and reported anomalies.
package io

import (
	"context"

	"github.com/hed1ad/ballotguard/pkg/audit"
)

// EventSource returns snapshots of the audit log.
type EventSource interface {
	// ExportEvents returns every event in the log, ordered by id.
	ExportEvents(ctx context.Context) ([]audit.Event, error)

	// ElectionEvents returns the events recorded for one election.
	ElectionEvents(ctx context.Context, electionID int64) ([]audit.Event, error)
}

// StatusChecker reports whether an election has been finalized.
type StatusChecker interface {
	Finalized(ctx context.Context, electionID int64) (bool, error)
}

// LabelSource reads back anomalies that earlier runs reported.
type LabelSource interface {
	// FlaggedEventIDs returns the union of audit-log ids flagged by any of
	// the given methods.
	FlaggedEventIDs(ctx context.Context, methods ...Method) (map[int64]struct{}, error)
}

// Sink is the append-only anomaly store.
type Sink interface {
	// Submit writes a batch and returns the number of records accepted.
	Submit(ctx context.Context, records []AnomalyRecord) (int, error)
}

// Backend is a store that satisfies every contract the pipeline needs.
type Backend interface {
	EventSource
	StatusChecker
	LabelSource
	Sink
}

// Method identifies the detector that produced a record.
type Method string

const (
	MethodIsolationForest Method = "IsolationForest"
	MethodKMeans          Method = "KMeans"
	MethodLogReg          Method = "LogReg"
)

// Label is the verdict attached to a record.
type Label string

const (
	LabelAnomaly        Label = "anomaly"
	LabelNormal         Label = "normal"
	LabelClusterOutlier Label = "cluster_outlier"
)

// AnomalyRecord is one detection, attributed to a single audit-log entry.
type AnomalyRecord struct {
	AuditLogID      int64          `json:"auditLogId"`
	DetectionMethod Method         `json:"detectionMethod"`
	Score           float64        `json:"score"`
	Label           Label          `json:"label"`
	Details         map[string]any `json:"details,omitempty"`
}
