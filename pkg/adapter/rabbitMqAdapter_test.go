package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-syncengine/schema"
)

// --- Mocks ---

type mockAmqpConnection struct {
	mock.Mock
	closed bool
}

func (m *mockAmqpConnection) Channel() (amqpChannel, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(amqpChannel), args.Error(1)
}

func (m *mockAmqpConnection) Close() error {
	m.closed = true
	return m.Called().Error(0)
}

func (m *mockAmqpConnection) IsClosed() bool {
	return m.closed
}

type mockChannel struct {
	mock.Mock
	closed   bool
	ack      bool
	confirms chan amqp.Confirmation
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	err := m.Called(exchange, key, mandatory, immediate, msg).Error(0)
	if err == nil && m.confirms != nil {
		m.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: m.ack}
	}
	return err
}

func (m *mockChannel) Confirm(noWait bool) error {
	return nil
}

func (m *mockChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	m.confirms = c
	return c
}

func (m *mockChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return c
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

// --- Tests ---

func newTestAdapter(poolSize int, conn *mockAmqpConnection, ch *mockChannel) *rabbitMqAdapter {
	r := &rabbitMqAdapter{
		exchange:        "remote-store",
		poolSize:        poolSize,
		connection:      conn,
		channelPool:     make(chan *pooledChannel, poolSize),
		reconnectTicker: time.NewTicker(time.Hour), // never fires
		stopReconnect:   make(chan struct{}),
	}
	for i := 0; i < poolSize; i++ {
		pc := &pooledChannel{
			channel:     ch,
			confirms:    make(chan amqp.Confirmation, 1),
			notifyClose: make(chan *amqp.Error, 1),
		}
		ch.confirms = pc.confirms
		r.channelPool <- pc
	}
	return r
}

func TestDeliver_Success(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := &mockChannel{ack: true}
	a := newTestAdapter(1, conn, ch)

	ch.On("ExchangeDeclare", "remote-store", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("Publish", "remote-store", "shipment.update", false, false, mock.MatchedBy(func(msg amqp.Publishing) bool {
		var env Envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			return false
		}
		return msg.MessageId == "key-1" &&
			msg.DeliveryMode == amqp.Persistent &&
			msg.Headers["entity_id"] == "S-1" &&
			env.Sequence == 1
	})).Return(nil)

	res := a.Deliver(context.Background(), testJob(schema.OperationUpdate))
	assert.Equal(t, KindSuccess, res.Kind, res.Reason)
	assert.Equal(t, "remote-store/key-1", res.ExternalRef)
	assert.Len(t, a.channelPool, 1, "channel goes back to the pool")
	ch.AssertExpectations(t)
}

func TestDeliver_PublishErrorIsRetryable(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := &mockChannel{ack: true}
	a := newTestAdapter(1, conn, ch)

	ch.On("ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("channel/connection is not open"))

	res := a.Deliver(context.Background(), testJob(schema.OperationCreate))
	assert.Equal(t, KindRetryable, res.Kind)
	assert.True(t, ch.closed)
	assert.Empty(t, a.channelPool)
}

func TestDeliver_NackIsRetryable(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := &mockChannel{ack: false}
	a := newTestAdapter(1, conn, ch)

	ch.On("ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	res := a.Deliver(context.Background(), testJob(schema.OperationCreate))
	assert.Equal(t, KindRetryable, res.Kind)
	assert.Contains(t, res.Reason, "rejected")
}

func TestDeliver_ExchangeDeclareError(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := &mockChannel{ack: true}
	a := newTestAdapter(1, conn, ch)

	ch.On("ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("access refused"))

	res := a.Deliver(context.Background(), testJob(schema.OperationCreate))
	assert.Equal(t, KindRetryable, res.Kind)
	assert.Contains(t, res.Reason, "declare exchange")
	ch.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetChannel_OpensNewChannelWhenPoolEmpty(t *testing.T) {
	conn := new(mockAmqpConnection)
	fresh := &mockChannel{ack: true}
	a := newTestAdapter(0, conn, &mockChannel{})
	conn.On("Channel").Return(fresh, nil)

	pc, err := a.getChannel()
	require.NoError(t, err)
	assert.Same(t, fresh, pc.channel)
	conn.AssertExpectations(t)
}

func TestGetChannel_DiscardsClosedChannels(t *testing.T) {
	conn := new(mockAmqpConnection)
	dead := &mockChannel{}
	a := newTestAdapter(1, conn, dead)
	pc := <-a.channelPool
	pc.notifyClose <- amqp.ErrClosed
	a.channelPool <- pc

	fresh := &mockChannel{}
	conn.On("Channel").Return(fresh, nil)

	got, err := a.getChannel()
	require.NoError(t, err)
	assert.Same(t, fresh, got.channel)
}

func TestClose(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := &mockChannel{}
	a := newTestAdapter(2, conn, ch)
	conn.On("Close").Return(nil)

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "second close is a no-op")
	assert.True(t, ch.closed)
	assert.True(t, conn.closed)
	conn.AssertNumberOfCalls(t, "Close", 1)
}
