package queue

import (
	"context"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendwise-app/spendwise/internal/config"
	"github.com/spendwise-app/spendwise/internal/model"
	"github.com/spendwise-app/spendwise/internal/resilience"
)

// fakeChannel records topology declarations and publishes.
type fakeChannel struct {
	exchanges []string
	queues    []string
	bindings  map[string]string
	published []publishedMsg
	closed    bool
}

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{bindings: make(map[string]string)}
}

func (f *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp091.Table) error {
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	f.queues = append(f.queues, name)
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp091.Table) error {
	f.bindings[name] = exchange + "/" + key
	return nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.published = append(f.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp091.Table) (<-chan amqp091.Delivery, error) {
	ch := make(chan amqp091.Delivery)
	close(ch)
	return ch, nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

// recordStore captures job state transitions.
type recordStore struct {
	created   []*model.Job
	active    []string
	completed []string
	retried   []string
	failed    []string
	lastError string
	progress  []int
}

func (r *recordStore) CreateJob(_ context.Context, job *model.Job) error {
	r.created = append(r.created, job)
	return nil
}

func (r *recordStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	for _, j := range r.created {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, eris.New("not found")
}

func (r *recordStore) MarkJobActive(_ context.Context, id string, _ int) error {
	r.active = append(r.active, id)
	return nil
}

func (r *recordStore) MarkJobCompleted(_ context.Context, id string) error {
	r.completed = append(r.completed, id)
	return nil
}

func (r *recordStore) MarkJobRetryScheduled(_ context.Context, id string, _ int, lastError string) error {
	r.retried = append(r.retried, id)
	r.lastError = lastError
	return nil
}

func (r *recordStore) MarkJobFailed(_ context.Context, id string, lastError string) error {
	r.failed = append(r.failed, id)
	r.lastError = lastError
	return nil
}

func (r *recordStore) UpdateJobProgress(_ context.Context, _ string, progress int) error {
	r.progress = append(r.progress, progress)
	return nil
}

func (r *recordStore) CountJobsByState(_ context.Context, _ model.JobKind) (map[model.JobState]int, error) {
	return map[model.JobState]int{model.JobStateQueued: len(r.created)}, nil
}

func (r *recordStore) PruneJobs(_ context.Context, _ model.JobKind, _ model.JobState, _ int) (int, error) {
	return 0, nil
}

// fakeAck records acknowledgements on deliveries.
type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked = true; return nil }

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAck) Reject(_ uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func testQueues() config.QueuesConfig {
	// Zero backoff base keeps retry tests instant.
	q := config.QueueConfig{Concurrency: 1, MaxAttempts: 3, BackoffBaseMs: 0, KeepCompleted: 100, KeepFailed: 500}
	return config.QueuesConfig{Categorize: q, Learn: q, Bulk: q, Email: q, Report: q}
}

func newTestBroker(t *testing.T) (*Broker, *fakeChannel, *recordStore) {
	t.Helper()
	ch := newFakeChannel()
	st := &recordStore{}
	b, err := newBroker(ch, "test.jobs", testQueues(), st, LogEvents{})
	require.NoError(t, err)
	return b, ch, st
}

func delivery(jobID string, attempt int, payload string) (*amqp091.Delivery, *fakeAck) {
	ack := &fakeAck{}
	return &amqp091.Delivery{
		Acknowledger: ack,
		Headers: amqp091.Table{
			headerJobID:   jobID,
			headerAttempt: int32(attempt),
		},
		Body: []byte(payload),
	}, ack
}

func TestNewBroker_DeclaresTopology(t *testing.T) {
	_, ch, _ := newTestBroker(t)

	assert.Equal(t, []string{"test.jobs"}, ch.exchanges)
	assert.Len(t, ch.queues, len(model.AllJobKinds()))
	assert.Equal(t, "test.jobs/spendwise.categorize-expense", ch.bindings["spendwise.categorize-expense"])
}

func TestRegister_UnknownKind(t *testing.T) {
	b, _, _ := newTestBroker(t)
	err := b.Register(model.JobKind("mystery"), func(context.Context, *model.Job, func(int)) error { return nil })
	require.Error(t, err)
}

func TestRegister_Duplicate(t *testing.T) {
	b, _, _ := newTestBroker(t)
	h := func(context.Context, *model.Job, func(int)) error { return nil }
	require.NoError(t, b.Register(model.JobSendEmail, h))
	require.Error(t, b.Register(model.JobSendEmail, h))
}

func TestEnqueue_UnknownKindIsError(t *testing.T) {
	b, ch, st := newTestBroker(t)

	_, err := b.Enqueue(context.Background(), model.JobKind("mystery"), map[string]string{})
	require.Error(t, err)
	assert.Empty(t, ch.published)
	assert.Empty(t, st.created)
}

func TestEnqueue_CreatesRecordAndPublishesPersistent(t *testing.T) {
	b, ch, st := newTestBroker(t)

	jobID, err := b.Enqueue(context.Background(), model.JobCategorizeExpense, map[string]string{"expenseId": "e1"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.Len(t, st.created, 1)
	assert.Equal(t, jobID, st.created[0].ID)
	assert.Equal(t, 3, st.created[0].MaxAttempts)

	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, "spendwise.categorize-expense", pub.key)
	assert.Equal(t, amqp091.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, jobID, pub.msg.Headers[headerJobID])
	assert.Equal(t, int32(0), pub.msg.Headers[headerAttempt])
}

func TestHandleDelivery_Success(t *testing.T) {
	b, ch, st := newTestBroker(t)
	spec := b.specs[model.JobCategorizeExpense]

	var handled *model.Job
	b.handlers[model.JobCategorizeExpense] = func(_ context.Context, job *model.Job, _ func(int)) error {
		handled = job
		return nil
	}

	d, ack := delivery("job-1", 0, `{"expenseId":"e1"}`)
	b.handleDelivery(context.Background(), model.JobCategorizeExpense, spec, d)

	require.NotNil(t, handled)
	assert.Equal(t, 1, handled.Attempt)
	assert.Equal(t, []string{"job-1"}, st.active)
	assert.Equal(t, []string{"job-1"}, st.completed)
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Empty(t, ch.published, "success must not republish")
}

func TestHandleDelivery_RetryRepublishesWithIncrementedAttempt(t *testing.T) {
	b, ch, st := newTestBroker(t)
	spec := b.specs[model.JobCategorizeExpense]

	b.handlers[model.JobCategorizeExpense] = func(context.Context, *model.Job, func(int)) error {
		return eris.New("ai timeout")
	}

	d, ack := delivery("job-1", 0, `{}`)
	b.handleDelivery(context.Background(), model.JobCategorizeExpense, spec, d)

	assert.Equal(t, []string{"job-1"}, st.retried)
	assert.Contains(t, st.lastError, "ai timeout")
	assert.Empty(t, st.failed)
	assert.True(t, ack.acked, "original delivery is acked, retry goes via republish")

	require.Len(t, ch.published, 1)
	assert.Equal(t, int32(1), ch.published[0].msg.Headers[headerAttempt])
}

func TestHandleDelivery_ExhaustedAttemptsFailsTerminally(t *testing.T) {
	b, ch, st := newTestBroker(t)
	spec := b.specs[model.JobCategorizeExpense]

	b.handlers[model.JobCategorizeExpense] = func(context.Context, *model.Job, func(int)) error {
		return eris.New("still broken")
	}

	// Attempt header 2 means this delivery is the third and final attempt.
	d, ack := delivery("job-1", 2, `{}`)
	b.handleDelivery(context.Background(), model.JobCategorizeExpense, spec, d)

	assert.Equal(t, []string{"job-1"}, st.failed)
	assert.Empty(t, st.retried)
	assert.True(t, ack.acked, "terminal failure is acked, not requeued")
	assert.Empty(t, ch.published)
}

func TestHandleDelivery_PermanentErrorSkipsRetry(t *testing.T) {
	b, ch, st := newTestBroker(t)
	spec := b.specs[model.JobCategorizeExpense]

	b.handlers[model.JobCategorizeExpense] = func(context.Context, *model.Job, func(int)) error {
		return resilience.NewPermanentError(eris.New("unknown category id"))
	}

	d, ack := delivery("job-1", 0, `{}`)
	b.handleDelivery(context.Background(), model.JobCategorizeExpense, spec, d)

	assert.Equal(t, []string{"job-1"}, st.failed)
	assert.Empty(t, st.retried)
	assert.True(t, ack.acked)
	assert.Empty(t, ch.published)
}

func TestHandleDelivery_MissingJobIDHeaderIsDropped(t *testing.T) {
	b, _, st := newTestBroker(t)
	spec := b.specs[model.JobCategorizeExpense]

	ack := &fakeAck{}
	d := &amqp091.Delivery{Acknowledger: ack, Headers: amqp091.Table{}, Body: []byte(`{}`)}
	b.handleDelivery(context.Background(), model.JobCategorizeExpense, spec, d)

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
	assert.Empty(t, st.active)
}

func TestHandleDelivery_ProgressClamped(t *testing.T) {
	b, _, st := newTestBroker(t)
	spec := b.specs[model.JobBulkRecategorize]

	b.handlers[model.JobBulkRecategorize] = func(_ context.Context, _ *model.Job, progress func(int)) error {
		progress(-5)
		progress(50)
		progress(150)
		return nil
	}

	d, _ := delivery("job-1", 0, `{}`)
	b.handleDelivery(context.Background(), model.JobBulkRecategorize, spec, d)

	assert.Equal(t, []int{0, 50, 100}, st.progress)
}

func TestRun_MissingHandlerIsStartupError(t *testing.T) {
	b, _, _ := newTestBroker(t)
	require.NoError(t, b.Register(model.JobSendEmail, func(context.Context, *model.Job, func(int)) error { return nil }))

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestQueueSpecs_BudgetAlertSharesEmailPolicy(t *testing.T) {
	cfg := testQueues()
	cfg.Email.Concurrency = 10
	specs := queueSpecs(cfg)
	assert.Equal(t, specs[model.JobSendEmail], specs[model.JobSendBudgetAlert])
	assert.Len(t, specs, len(model.AllJobKinds()))
}

func TestMessageCodec_RoundTrip(t *testing.T) {
	pub := encodeMessage(message{JobID: "job-9", Kind: model.JobSendEmail, Attempt: 2, Payload: []byte(`{"to":"x"}`)})
	assert.Equal(t, amqp091.Persistent, pub.DeliveryMode)

	d := &amqp091.Delivery{Headers: pub.Headers, Body: pub.Body}
	msg, err := decodeMessage(model.JobSendEmail, d)
	require.NoError(t, err)
	assert.Equal(t, "job-9", msg.JobID)
	assert.Equal(t, 2, msg.Attempt)
	assert.Equal(t, `{"to":"x"}`, string(msg.Payload))
}
