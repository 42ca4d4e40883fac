// Package kafka publishes issue change events for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/buildflow/weather-risk/internal/config"
	"github.com/buildflow/weather-risk/internal/domain"
)

// Writer produces issue change events to the alerts topic. Publishing is
// best effort: the pipeline records issues in the store first and a publish
// failure never fails the run.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured alerts topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaAlertsTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// issueEvent is the wire shape of one published change.
type issueEvent struct {
	Action    string `json:"action"`
	IssueID   string `json:"issue_id"`
	RuleID    string `json:"rule_id"`
	Scope     string `json:"scope"`
	Severity  string `json:"severity"`
	Status    string `json:"status"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Start     string `json:"window_start"`
	End       string `json:"window_end"`
	UpdatedAt string `json:"updated_at"`
}

// PublishIssueChanges serializes and publishes the changes of one pipeline
// run in a single WriteMessages call.
func (w *Writer) PublishIssueChanges(ctx context.Context, changes []domain.IssueChange) error {
	if len(changes) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(changes))
	for i := range changes {
		msg, err := serializeToMessage(changes[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an IssueChange into a Kafka message, keyed by
// issue ID so changes to one issue land on one partition in order.
func serializeToMessage(change domain.IssueChange) (kafkago.Message, error) {
	iss := change.Issue
	event := issueEvent{
		Action:    string(change.Action),
		IssueID:   iss.ID,
		RuleID:    iss.RuleID,
		Scope:     iss.Scope.Key(),
		Severity:  string(iss.Severity),
		Status:    string(iss.Status),
		Title:     iss.Title,
		Summary:   iss.Summary,
		Start:     iss.Window.Start.Format(time.RFC3339),
		End:       iss.Window.End.Format(time.RFC3339),
		UpdatedAt: iss.UpdatedAt.Format(time.RFC3339),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize issue event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(iss.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "action", Value: []byte(change.Action)},
			{Key: "rule_id", Value: []byte(iss.RuleID)},
		},
	}, nil
}
