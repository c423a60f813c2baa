// Package notify delivers patient notifications. Delivery is best effort:
// callers log failures and carry on.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-reassignment/internal/logger"
)

type Kind string

const (
	KindReassigned Kind = "reassigned"
	KindOffer      Kind = "offer"
	KindBackfill   Kind = "backfill"
	KindWaitlisted Kind = "waitlisted"
)

type Notification struct {
	Kind          Kind   `json:"kind"`
	PatientID     string `json:"patient_id"`
	AppointmentID string `json:"appointment_id"`
	// OfferID is set on offers; replies are posted back under it.
	OfferID    string `json:"offer_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	Date       string `json:"date,omitempty"`
	Time       string `json:"time,omitempty"`
	Score      int    `json:"score,omitempty"`
	Message    string `json:"message"`
}

// Sink sends one notification and returns the id it was stored or sent under.
type Sink interface {
	Send(ctx context.Context, n Notification) (string, error)
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.With("component", "notify")}
}

func (s *LogSink) Send(_ context.Context, n Notification) (string, error) {
	id := uuid.NewString()
	s.log.Info("notification sent",
		"message_id", id,
		"kind", n.Kind,
		"patient_id", n.PatientID,
		"appointment_id", n.AppointmentID,
		"provider_id", n.ProviderID,
		"offer_id", n.OfferID,
		"message", n.Message,
	)
	return id, nil
}

// DefaultStream is the outbox stream consumed by the delivery service.
const DefaultStream = "notifications:outbox"

// RedisStreamSink appends notifications to a Redis stream.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: 10000}
}

func (s *RedisStreamSink) Send(ctx context.Context, n Notification) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":           string(n.Kind),
			"patient_id":     n.PatientID,
			"appointment_id": n.AppointmentID,
			"provider_id":    n.ProviderID,
			"offer_id":       n.OfferID,
			"date":           n.Date,
			"time":           n.Time,
			"score":          strconv.Itoa(n.Score),
			"message":        n.Message,
			"queued_at":      time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append notification: %w", err)
	}
	return id, nil
}

// ReassignedMessage is the text sent to a patient whose appointment moved.
func ReassignedMessage(providerName, date, clock string) string {
	return fmt.Sprintf("Your appointment on %s at %s has been moved to %s.", date, clock, providerName)
}

// OfferMessage asks a patient to accept a proposed provider. The reply must
// quote the offer reference.
func OfferMessage(providerName, date, clock, offerID string) string {
	return fmt.Sprintf("%s can see you on %s at %s. Reply YES to accept or NO to decline, quoting reference %s.",
		providerName, date, clock, offerID)
}

// BackfillMessage tells a waitlisted patient they got an earlier slot.
func BackfillMessage(date, clock, confirmation string) string {
	return fmt.Sprintf("An earlier appointment opened up on %s at %s. Confirmation %s.", date, clock, confirmation)
}
