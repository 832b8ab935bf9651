// Package outcome records what happened to each processed task. Records are
// observability only; nothing in the lifecycle reads them back.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	ierr "github.com/mark3labs/taskrelay/internal/errors"
	"github.com/mark3labs/taskrelay/internal/logger"
	inats "github.com/mark3labs/taskrelay/internal/nats"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

// Record is one processed task.
type Record struct {
	RunID         string         `json:"run_id"`
	TaskID        string         `json:"task_id"`
	FinalStatus   tracker.Status `json:"final_status"`
	ErrorCategory ierr.Category  `json:"error_category,omitempty"`
	Error         string         `json:"error,omitempty"`
	Duration      time.Duration  `json:"duration"`
	StartedAt     time.Time      `json:"started_at"`
}

// NewRecord starts a record for taskID with a fresh run ID.
func NewRecord(taskID string, startedAt time.Time) Record {
	return Record{RunID: uuid.NewString(), TaskID: taskID, StartedAt: startedAt}
}

// String renders r as one listing line.
func (r Record) String() string {
	line := fmt.Sprintf("%s  %-12s %-14s %8s",
		r.StartedAt.Local().Format("2006-01-02 15:04"), r.TaskID, r.FinalStatus, r.Duration.Round(time.Second))
	if r.ErrorCategory != ierr.CategoryNone {
		line += fmt.Sprintf("  [%s] %s", r.ErrorCategory, r.Error)
	}
	return line
}

// Recorder is what the scheduler needs to append records.
type Recorder interface {
	Append(ctx context.Context, rec Record) error
}

// Store persists records in a JetStream stream.
type Store struct {
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewStore ensures the outcome stream exists.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	stream, err := inats.SetupStream(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("setup outcome stream: %w", err)
	}
	return &Store{js: js, stream: stream}, nil
}

// Append publishes rec. A missing RunID is generated.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		rec.RunID = uuid.NewString()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if _, err := s.js.Publish(ctx, inats.SubjectForTask(rec.TaskID), data); err != nil {
		return fmt.Errorf("publish outcome for %s: %w", rec.TaskID, err)
	}
	logger.Debug("Recorded outcome %s for %s: %s", rec.RunID, rec.TaskID, rec.FinalStatus)
	return nil
}

// Recent returns up to n most recent records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	info, err := s.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("outcome stream info: %w", err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}

	var records []Record
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0 && len(records) < n; seq-- {
		msg, err := s.stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue // expired or deleted
		}
		if err != nil {
			return nil, fmt.Errorf("get outcome %d: %w", seq, err)
		}
		var rec Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			logger.Warn("Skipping malformed outcome record at seq %d: %v", seq, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ForTask returns every retained record for taskID, oldest first.
func (s *Store) ForTask(ctx context.Context, taskID string) ([]Record, error) {
	cons, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{inats.SubjectForTask(taskID)},
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("consumer info: %w", err)
	}
	pending := int(info.NumPending)
	if pending == 0 {
		return nil, nil
	}

	batch, err := cons.Fetch(pending, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch outcomes: %w", err)
	}
	var records []Record
	for msg := range batch.Messages() {
		var rec Record
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			logger.Warn("Skipping malformed outcome record: %v", err)
			continue
		}
		records = append(records, rec)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}
