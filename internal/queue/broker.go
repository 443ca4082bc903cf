// Package queue implements the durable job broker: one AMQP queue per job
// kind, persistent messages, per-kind worker pools with retry and a
// store-backed job state machine.
package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/config"
	"github.com/spendwise-app/spendwise/internal/model"
	"github.com/spendwise-app/spendwise/internal/resilience"
)

// Store is the job-record subset of the persistence layer the broker uses.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	MarkJobActive(ctx context.Context, id string, attempt int) error
	MarkJobCompleted(ctx context.Context, id string) error
	MarkJobRetryScheduled(ctx context.Context, id string, attempt int, lastError string) error
	MarkJobFailed(ctx context.Context, id string, lastError string) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	CountJobsByState(ctx context.Context, kind model.JobKind) (map[model.JobState]int, error)
	PruneJobs(ctx context.Context, kind model.JobKind, state model.JobState, keep int) (int, error)
}

// Handler processes one job. Progress reports a 0-100 percentage persisted as
// a side channel; handlers for quick jobs can ignore it.
type Handler func(ctx context.Context, job *model.Job, progress func(int)) error

// channel is the AMQP channel surface the broker uses, satisfied by
// *amqp091.Channel and fakeable in tests.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Close() error
}

// Broker owns the AMQP topology and worker pools.
type Broker struct {
	conn     *amqp091.Connection
	ch       channel
	exchange string
	store    Store
	events   Events

	specs    map[model.JobKind]config.QueueConfig
	handlers map[model.JobKind]Handler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// queueSpecs maps every job kind to its queue policy from config. The budget
// alert kind shares the email queue policy.
func queueSpecs(cfg config.QueuesConfig) map[model.JobKind]config.QueueConfig {
	return map[model.JobKind]config.QueueConfig{
		model.JobCategorizeExpense: cfg.Categorize,
		model.JobLearnCorrection:   cfg.Learn,
		model.JobBulkRecategorize:  cfg.Bulk,
		model.JobSendEmail:         cfg.Email,
		model.JobSendBudgetAlert:   cfg.Email,
		model.JobGenerateReport:    cfg.Report,
	}
}

// queueName returns the durable queue (and routing key) for a kind.
func queueName(kind model.JobKind) string {
	return "spendwise." + string(kind)
}

// NewBroker dials the AMQP server and declares the exchange and one durable
// queue per job kind.
func NewBroker(cfg config.BrokerConfig, queues config.QueuesConfig, st Store, events Events) (*Broker, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "queue: dial")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "queue: open channel")
	}

	b, err := newBroker(ch, cfg.Exchange, queues, st, events)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// newBroker wires a broker over an existing channel and declares topology.
func newBroker(ch channel, exchange string, queues config.QueuesConfig, st Store, events Events) (*Broker, error) {
	if events == nil {
		events = LogEvents{}
	}

	b := &Broker{
		ch:       ch,
		exchange: exchange,
		store:    st,
		events:   events,
		specs:    queueSpecs(queues),
		handlers: make(map[model.JobKind]Handler),
	}

	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return nil, eris.Wrap(err, "queue: declare exchange")
	}
	for _, kind := range model.AllJobKinds() {
		name := queueName(kind)
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return nil, eris.Wrapf(err, "queue: declare %s", name)
		}
		if err := ch.QueueBind(name, name, exchange, false, nil); err != nil {
			return nil, eris.Wrapf(err, "queue: bind %s", name)
		}
	}
	return b, nil
}

// Register installs the handler for a job kind. Unknown kinds and duplicate
// registrations are errors so wiring mistakes surface at startup.
func (b *Broker) Register(kind model.JobKind, h Handler) error {
	if _, ok := b.specs[kind]; !ok {
		return eris.Errorf("queue: register unknown job kind %q", kind)
	}
	if _, ok := b.handlers[kind]; ok {
		return eris.Errorf("queue: duplicate handler for %q", kind)
	}
	b.handlers[kind] = h
	return nil
}

// Enqueue creates a job record and publishes it to the kind's queue,
// returning the job id. Unknown kinds are an error, never a silent no-op.
func (b *Broker) Enqueue(ctx context.Context, kind model.JobKind, payload any) (string, error) {
	spec, ok := b.specs[kind]
	if !ok {
		return "", eris.Errorf("queue: enqueue unknown job kind %q", kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "queue: marshal payload")
	}

	job := &model.Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     body,
		MaxAttempts: spec.MaxAttempts,
	}
	if err := b.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	if err := b.publish(ctx, message{JobID: job.ID, Kind: kind, Attempt: 0, Payload: body}); err != nil {
		return "", err
	}

	zap.L().Debug("queue: job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
	)
	return job.ID, nil
}

func (b *Broker) publish(ctx context.Context, msg message) error {
	err := b.ch.PublishWithContext(ctx, b.exchange, queueName(msg.Kind), false, false, encodeMessage(msg))
	return eris.Wrapf(err, "queue: publish %s", msg.Kind)
}

// Run starts the worker pools and blocks until ctx is canceled or Close is
// called. Every kind must have a registered handler.
func (b *Broker) Run(ctx context.Context) error {
	for kind := range b.specs {
		if _, ok := b.handlers[kind]; !ok {
			return eris.Errorf("queue: no handler registered for %q", kind)
		}
	}

	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return eris.New("queue: already running")
	}
	b.started = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	for kind, spec := range b.specs {
		concurrency := spec.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}

		if err := b.ch.Qos(concurrency, 0, false); err != nil {
			cancel()
			return eris.Wrap(err, "queue: set qos")
		}

		deliveries, err := b.ch.Consume(queueName(kind), "", false, false, false, false, nil)
		if err != nil {
			cancel()
			return eris.Wrapf(err, "queue: consume %s", kind)
		}

		for i := 0; i < concurrency; i++ {
			b.wg.Add(1)
			go b.worker(runCtx, kind, spec, deliveries)
		}
		zap.L().Info("queue: consuming",
			zap.String("kind", string(kind)),
			zap.Int("concurrency", concurrency),
		)
	}

	<-runCtx.Done()
	b.wg.Wait()
	return nil
}

func (b *Broker) worker(ctx context.Context, kind model.JobKind, spec config.QueueConfig, deliveries <-chan amqp091.Delivery) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.handleDelivery(ctx, kind, spec, &d)
		}
	}
}

// handleDelivery runs one attempt of one job. The delivery is always acked:
// retries go back through the exchange as fresh messages with an incremented
// attempt header, terminal failures are recorded in the store.
func (b *Broker) handleDelivery(ctx context.Context, kind model.JobKind, spec config.QueueConfig, d *amqp091.Delivery) {
	msg, err := decodeMessage(kind, d)
	if err != nil {
		zap.L().Error("queue: undecodable delivery", zap.String("kind", string(kind)), zap.Error(err))
		d.Nack(false, false)
		return
	}

	job := &model.Job{
		ID:          msg.JobID,
		Kind:        kind,
		Payload:     msg.Payload,
		Attempt:     msg.Attempt + 1,
		MaxAttempts: spec.MaxAttempts,
		State:       model.JobStateActive,
	}

	if err := b.store.MarkJobActive(ctx, job.ID, job.Attempt); err != nil {
		zap.L().Error("queue: mark active failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	b.events.JobStarted(job)

	progress := func(pct int) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		if err := b.store.UpdateJobProgress(ctx, job.ID, pct); err != nil {
			zap.L().Warn("queue: update progress failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	handlerErr := b.handlers[kind](ctx, job, progress)
	if handlerErr == nil {
		if err := b.store.MarkJobCompleted(ctx, job.ID); err != nil {
			zap.L().Error("queue: mark completed failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		b.events.JobCompleted(job)
		d.Ack(false)
		return
	}

	if job.Attempt < spec.MaxAttempts && !resilience.IsPermanent(handlerErr) {
		b.retry(ctx, job, spec, handlerErr)
		d.Ack(false)
		return
	}

	if err := b.store.MarkJobFailed(ctx, job.ID, handlerErr.Error()); err != nil {
		zap.L().Error("queue: mark failed failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	b.events.JobFailed(job, handlerErr, false)
	d.Ack(false)
}

// retry backs off in-worker, then republishes the message with the attempt
// header advanced. The original delivery is acked by the caller.
func (b *Broker) retry(ctx context.Context, job *model.Job, spec config.QueueConfig, cause error) {
	if err := b.store.MarkJobRetryScheduled(ctx, job.ID, job.Attempt, cause.Error()); err != nil {
		zap.L().Error("queue: mark retry failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	b.events.JobFailed(job, cause, true)

	delay := resilience.Backoff(job.Attempt-1, resilience.QueueRetryConfig(spec.MaxAttempts, spec.BackoffBase()))
	if err := resilience.Sleep(ctx, delay); err != nil {
		// Shutting down: the job record stays retry-scheduled; an operator
		// can re-enqueue from it.
		zap.L().Warn("queue: retry interrupted by shutdown", zap.String("job_id", job.ID))
		return
	}

	msg := message{JobID: job.ID, Kind: job.Kind, Attempt: job.Attempt, Payload: job.Payload}
	if err := b.publish(ctx, msg); err != nil {
		zap.L().Error("queue: republish for retry failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Stats returns per-kind job state counts.
func (b *Broker) Stats(ctx context.Context) (map[model.JobKind]map[model.JobState]int, error) {
	out := make(map[model.JobKind]map[model.JobState]int, len(b.specs))
	for kind := range b.specs {
		counts, err := b.store.CountJobsByState(ctx, kind)
		if err != nil {
			return nil, err
		}
		out[kind] = counts
	}
	return out, nil
}

// Prune removes old completed and failed job records per retention config.
func (b *Broker) Prune(ctx context.Context) error {
	for kind, spec := range b.specs {
		for state, keep := range map[model.JobState]int{
			model.JobStateCompleted: spec.KeepCompleted,
			model.JobStateFailed:    spec.KeepFailed,
		} {
			if keep <= 0 {
				continue
			}
			removed, err := b.store.PruneJobs(ctx, kind, state, keep)
			if err != nil {
				return err
			}
			if removed > 0 {
				zap.L().Info("queue: pruned job records",
					zap.String("kind", string(kind)),
					zap.String("state", string(state)),
					zap.Int("removed", removed),
				)
			}
		}
	}
	return nil
}

// Close stops consumers, waits for in-flight handlers, and closes the channel
// and connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()

	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return eris.Wrap(b.conn.Close(), "queue: close connection")
	}
	return nil
}
