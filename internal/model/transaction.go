package model

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// SyncTransaction tracks one executor batch for progress accounting only.
type SyncTransaction struct {
	ID         string
	Operations []SyncOperation
	Completed  mapset.Set[string]
	StartedAt  time.Time
}

func NewTransaction(id string, ops []SyncOperation) *SyncTransaction {
	return &SyncTransaction{
		ID:         id,
		Operations: ops,
		Completed:  mapset.NewSet[string](),
		StartedAt:  time.Now(),
	}
}

func (t *SyncTransaction) Complete(opID string) {
	t.Completed.Add(opID)
}

func (t *SyncTransaction) Done() int {
	return t.Completed.Cardinality()
}

// Progress is the completed share of this batch in percent.
func (t *SyncTransaction) Progress() int {
	if len(t.Operations) == 0 {
		return 100
	}

	return t.Done() * 100 / len(t.Operations)
}

type SyncSummary struct {
	TransactionIDs []string      `json:"transaction_ids,omitempty"`
	Planned        int           `json:"planned"`
	Uploaded       int           `json:"uploaded"`
	Downloaded     int           `json:"downloaded"`
	Deleted        int           `json:"deleted"`
	Failed         int           `json:"failed"`
	FailedPaths    []string      `json:"failed_paths,omitempty"`
	Skipped        int           `json:"skipped"`
	Queued         int           `json:"queued"`
	Conflicts      int           `json:"conflicts"`
	Duration       time.Duration `json:"duration"`
}

func (s *SyncSummary) Add(o SyncSummary) {
	s.TransactionIDs = append(s.TransactionIDs, o.TransactionIDs...)
	s.Planned += o.Planned
	s.Uploaded += o.Uploaded
	s.Downloaded += o.Downloaded
	s.Deleted += o.Deleted
	s.Failed += o.Failed
	s.FailedPaths = append(s.FailedPaths, o.FailedPaths...)
	s.Skipped += o.Skipped
	s.Queued += o.Queued
	s.Conflicts += o.Conflicts
	s.Duration += o.Duration
}

func (s SyncSummary) InSync() bool {
	return s.Planned == 0 && s.Conflicts == 0 && s.Queued == 0
}
