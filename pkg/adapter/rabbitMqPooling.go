package adapter

import (
	"fmt"
	"log"

	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel the adapter uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type streadwayConnection struct {
	*amqp.Connection
}

func (c streadwayConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var dialAMQP = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			log.Printf("RabbitMQ connection closed: %v", err)
		}
	}()
	return streadwayConnection{conn}, nil
}

// pooledChannel is a channel in confirm mode. Each publish waits for its
// own confirmation before the channel goes back to the pool.
type pooledChannel struct {
	channel     amqpChannel
	confirms    chan amqp.Confirmation
	notifyClose chan *amqp.Error
}

func openPooledChannel(conn amqpConnection) (*pooledChannel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &pooledChannel{
		channel:     channel,
		confirms:    channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (r *rabbitMqAdapter) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := dialAMQP(r.url)
	if err != nil {
		return err
	}
	r.connection = connection

	// Drain the old pool; its channels died with the old connection.
	for drained := false; !drained; {
		select {
		case pc := <-r.channelPool:
			pc.channel.Close()
		default:
			drained = true
		}
	}

	for i := 0; i < r.poolSize; i++ {
		pc, err := openPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pc
	}

	log.Printf("RabbitMQ connection and channel pool initialized for exchange %s", r.exchange)
	return nil
}

func (r *rabbitMqAdapter) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			lost := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if lost {
				log.Println("Attempting to reconnect to RabbitMQ...")
				if err := r.connectAndInitialize(); err != nil {
					log.Printf("Failed to reconnect to RabbitMQ: %v", err)
				} else {
					log.Println("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			return
		}
	}
}

func (r *rabbitMqAdapter) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pc := <-r.channelPool:
			select {
			case err := <-pc.notifyClose:
				// Channel is closed, discard it
				log.Printf("Discarding closed channel: %v", err)
				continue
			default:
				return pc, nil
			}
		default:
			// Create a new channel if none are available
			r.mu.Lock()
			conn := r.connection
			r.mu.Unlock()
			if conn == nil {
				return nil, fmt.Errorf("rabbitmq connection not available")
			}
			return openPooledChannel(conn)
		}
	}
}

func (r *rabbitMqAdapter) releaseChannel(pc *pooledChannel) {
	select {
	case err := <-pc.notifyClose:
		log.Printf("Discarding closed channel: %v", err)
		return
	default:
		select {
		case r.channelPool <- pc:
		default:
			// Pool is full, close the channel
			pc.channel.Close()
		}
	}
}
