package nats

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// OutcomeStream holds one message per processed task.
	OutcomeStream = "taskrelay_outcomes"
	outcomePrefix = "taskrelay.outcome."
	retention     = 30 * 24 * time.Hour
)

// SubjectForTask returns the subject outcome records for taskID are
// published on. Characters NATS treats as token separators or wildcards
// are replaced so any tracker ID is a single token.
// Example: "taskrelay.outcome.86b1x2"
func SubjectForTask(taskID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")
	return outcomePrefix + r.Replace(taskID)
}

// AllOutcomes matches every outcome subject.
const AllOutcomes = outcomePrefix + ">"

// SetupStream creates or updates the outcome stream with 30-day retention.
func SetupStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        OutcomeStream,
		Description: "taskrelay run outcome records",
		Subjects:    []string{AllOutcomes},
		Storage:     jetstream.FileStorage,
		MaxAge:      retention,
	})
}
