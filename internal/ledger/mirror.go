package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"blockattend/internal/metrics"
	"blockattend/internal/queue"
)

// MessageType tags queue messages carrying attendance events.
const MessageType = "mark"

// Event is the queue payload for one attendance record to mirror.
type Event struct {
	RecordID     string `json:"recordId"`
	Subject      string `json:"subject"`
	ClassName    string `json:"className"`
	StudentEmail string `json:"studentEmail"`
	Date         string `json:"date"`
	Present      bool   `json:"present"`
}

// Submitter is the on-chain write the mirror performs per event.
type Submitter interface {
	MarkAttendance(ctx context.Context, subject, className string, date time.Time, present bool) (string, error)
}

// Mirror consumes attendance events from the queue and writes them to the
// ledger. Failures are logged and counted, never retried, and never
// propagated back to the request that produced the event.
type Mirror struct {
	q       queue.Queue
	client  Submitter
	timeout time.Duration
}

// NewMirror builds a mirror. A nil client means every event is skipped,
// which keeps the queue drained when the ledger is not configured.
func NewMirror(q queue.Queue, client Submitter, timeout time.Duration) *Mirror {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Mirror{q: q, client: client, timeout: timeout}
}

// Publish enqueues an event. Errors are logged and swallowed, and a stuck
// queue is abandoned after a short timeout: the mirror is advisory and must
// not gate the caller.
func (m *Mirror) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("record", ev.RecordID).Msg("ledger event encode failed")
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.q.Publish(pubCtx, queue.Message{Type: MessageType, Body: body}); err != nil {
		log.Error().Err(err).Str("record", ev.RecordID).Msg("ledger event publish failed")
	}
}

// Run consumes events until ctx is canceled.
func (m *Mirror) Run(ctx context.Context) error {
	messages, err := m.q.Consume(ctx)
	if err != nil {
		return err
	}
	log.Info().Bool("ledger_enabled", m.client != nil).Msg("ledger mirror started")
	for msg := range messages {
		if msg.Type != MessageType {
			continue
		}
		var ev Event
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			log.Warn().Err(err).Msg("ledger event decode failed")
			continue
		}
		m.process(ctx, ev)
	}
	log.Info().Msg("ledger mirror stopped")
	return nil
}

func (m *Mirror) process(ctx context.Context, ev Event) {
	if m.client == nil {
		metrics.LedgerWrites.WithLabelValues("skipped").Inc()
		return
	}
	date, err := time.Parse("2006-01-02", ev.Date)
	if err != nil {
		date = time.Now().UTC()
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	txHash, err := m.client.MarkAttendance(callCtx, ev.Subject, ev.ClassName, date, ev.Present)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues("failed").Inc()
		log.Error().Err(err).
			Str("record", ev.RecordID).
			Str("student", ev.StudentEmail).
			Msg("on-chain markAttendance failed")
		return
	}
	metrics.LedgerWrites.WithLabelValues("ok").Inc()
	log.Info().
		Str("record", ev.RecordID).
		Str("tx", txHash).
		Msg("on-chain attendance confirmed")
}
