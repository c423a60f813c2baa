// Package consent offers a proposed provider to a patient and waits for the
// patient's answer.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/notify"
	"github.com/hackgods/appointment-reassignment/internal/records"
)

type Response string

const (
	Accept  Response = "accept"
	Decline Response = "decline"
	Timeout Response = "timeout"
)

// Interpret maps a free-text reply onto a response. Anything unrecognised
// counts as no answer.
func Interpret(raw string) Response {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "accept", "accepted", "confirm", "confirmed":
		return Accept
	case "no", "n", "decline", "declined", "reject", "rejected":
		return Decline
	}
	return Timeout
}

type Offer struct {
	ID            string    `json:"offer_id"`
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	ProviderID    string    `json:"provider_id"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	MessageID     string    `json:"message_id,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

// ResponseSource yields the raw reply to an offer. An empty reply with a nil
// error means nothing arrived before the timeout.
type ResponseSource interface {
	Await(ctx context.Context, offerID string, timeout time.Duration) (string, error)
}

type Coordinator struct {
	sink    notify.Sink
	source  ResponseSource
	timeout time.Duration
	log     *logger.Logger
}

func NewCoordinator(sink notify.Sink, source ResponseSource, timeout time.Duration, log *logger.Logger) *Coordinator {
	return &Coordinator{
		sink:    sink,
		source:  source,
		timeout: timeout,
		log:     log.With("component", "consent"),
	}
}

// Offer notifies the patient of the proposed provider. A failed notification
// is logged; the offer still stands.
func (c *Coordinator) Offer(ctx context.Context, appt records.Appointment, provider records.Provider) *Offer {
	offer := &Offer{
		ID:            uuid.NewString(),
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		ProviderID:    provider.ID,
		Date:          appt.Date,
		Time:          appt.Time,
		SentAt:        time.Now().UTC(),
	}

	id, err := c.sink.Send(ctx, notify.Notification{
		Kind:          notify.KindOffer,
		PatientID:     appt.PatientID,
		AppointmentID: appt.ID,
		OfferID:       offer.ID,
		ProviderID:    provider.ID,
		Date:          appt.Date,
		Time:          appt.Time,
		Message:       notify.OfferMessage(provider.Name, appt.Date, appt.Time, offer.ID),
	})
	if err != nil {
		c.log.Warn("offer notification failed", "offer_id", offer.ID, "appointment_id", appt.ID, "error", err)
	}
	offer.MessageID = id

	c.log.Info("offer sent", "offer_id", offer.ID, "appointment_id", appt.ID, "provider_id", provider.ID)
	return offer
}

// Await waits for the patient's reply. Source errors and cancellation are
// read as a timeout.
func (c *Coordinator) Await(ctx context.Context, offer *Offer) Response {
	raw, err := c.source.Await(ctx, offer.ID, c.timeout)
	if err != nil {
		c.log.Warn("awaiting consent failed", "offer_id", offer.ID, "error", err)
		return Timeout
	}
	resp := Interpret(raw)
	c.log.Info("consent received", "offer_id", offer.ID, "appointment_id", offer.AppointmentID, "response", resp)
	return resp
}

// Request makes an offer and waits for the answer.
func (c *Coordinator) Request(ctx context.Context, appt records.Appointment, provider records.Provider) (Response, *Offer) {
	offer := c.Offer(ctx, appt, provider)
	return c.Await(ctx, offer), offer
}

// ScriptedResponses replays canned replies in order, one per Await. Once the
// script runs out every Await times out.
type ScriptedResponses struct {
	mu      sync.Mutex
	replies []string
	seen    []string
}

func NewScriptedResponses(replies ...string) *ScriptedResponses {
	return &ScriptedResponses{replies: replies}
}

func (s *ScriptedResponses) Push(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
}

func (s *ScriptedResponses) Await(ctx context.Context, offerID string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, offerID)
	if len(s.replies) == 0 {
		return "", nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

// Offers returns the ids awaited so far.
func (s *ScriptedResponses) Offers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

// RedisResponses receives replies pushed onto a per-offer Redis list.
type RedisResponses struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisResponses(client *redis.Client) *RedisResponses {
	return &RedisResponses{client: client, ttl: 24 * time.Hour}
}

func responseKey(offerID string) string {
	return fmt.Sprintf("consent:offer:%s", offerID)
}

func (r *RedisResponses) Await(ctx context.Context, offerID string, timeout time.Duration) (string, error) {
	res, err := r.client.BLPop(ctx, timeout, responseKey(offerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("await consent: %w", err)
	}
	// BLPOP returns [key, value]
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Publish records a patient's reply so a waiting Await picks it up.
func (r *RedisResponses) Publish(ctx context.Context, offerID, reply string) error {
	key := responseKey(offerID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, reply)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish consent: %w", err)
	}
	return nil
}
