package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	defaultPollInterval = 5 * time.Second
	deliverTimeout      = 10 * time.Second
)

// Consumer drains the queue on a fixed poll and POSTs each message to
// the webhook as JSON {"id": ..., "text": ...}. Delivery failures
// requeue the remainder for the next poll.
type Consumer struct {
	queue    *Queue
	http     *resty.Client
	url      string
	interval time.Duration
	log      zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewConsumer builds the webhook consumer. An empty URL disables
// delivery: messages are logged once and discarded so the queue cannot
// grow unbounded on an unconfigured install.
func NewConsumer(queue *Queue, webhookURL string, log zerolog.Logger) *Consumer {
	httpClient := resty.New().
		SetTimeout(deliverTimeout).
		SetHeader("Content-Type", "application/json")

	return &Consumer{
		queue:    queue,
		http:     httpClient,
		url:      webhookURL,
		interval: defaultPollInterval,
		log:      log.With().Str("service", "notify").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (c *Consumer) Start() {
	go c.run()
}

// Stop halts the loop after one final drain attempt, so messages
// produced during shutdown still get a chance to leave the process.
func (c *Consumer) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Consumer) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush(context.Background())
		case <-c.stop:
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			c.flush(ctx)
			cancel()
			return
		}
	}
}

// flush drains everything pending and delivers in order. On the first
// failure the undelivered tail goes back to the queue.
func (c *Consumer) flush(ctx context.Context) {
	pending := c.queue.drain()
	if len(pending) == 0 {
		return
	}

	if c.url == "" {
		for _, msg := range pending {
			c.log.Info().Str("text", msg.Text).Msg("No webhook configured, dropping message")
		}
		return
	}

	for i, msg := range pending {
		if err := c.deliver(ctx, msg); err != nil {
			c.log.Warn().Err(err).
				Int("requeued", len(pending)-i).
				Msg("Webhook delivery failed")
			c.queue.requeue(pending[i:])
			return
		}
	}
	c.log.Debug().Int("delivered", len(pending)).Msg("Messages delivered")
}

func (c *Consumer) deliver(ctx context.Context, msg Message) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(msg).
		Post(c.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
