package queue

import (
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"

	"github.com/spendwise-app/spendwise/internal/model"
)

const (
	headerJobID   = "x-job-id"
	headerAttempt = "x-attempt"
)

// message is the wire form of a queued job: identity and attempt travel in
// headers, the payload is the body verbatim.
type message struct {
	JobID   string
	Kind    model.JobKind
	Attempt int
	Payload []byte
}

// encodeMessage builds a persistent AMQP publishing for a job message.
func encodeMessage(msg message) amqp091.Publishing {
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Headers: amqp091.Table{
			headerJobID:   msg.JobID,
			headerAttempt: int32(msg.Attempt),
		},
		Body: msg.Payload,
	}
}

// decodeMessage extracts a job message from a delivery. Kind comes from the
// consuming queue, not the wire.
func decodeMessage(kind model.JobKind, d *amqp091.Delivery) (message, error) {
	jobID, ok := d.Headers[headerJobID].(string)
	if !ok || jobID == "" {
		return message{}, eris.New("queue: delivery missing job id header")
	}

	attempt := 0
	switch v := d.Headers[headerAttempt].(type) {
	case int32:
		attempt = int(v)
	case int64:
		attempt = int(v)
	case int:
		attempt = v
	}

	return message{
		JobID:   jobID,
		Kind:    kind,
		Attempt: attempt,
		Payload: d.Body,
	}, nil
}
