// Package pubsub provides the Google Cloud Pub/Sub job transport: a
// subscription-backed JobQueue and a topic Publisher for completion events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/harvestio/harvester/internal/crawler"
)

// Config identifies the Pub/Sub resources for the job transport.
type Config struct {
	ProjectID string
	// TopicID is where Enqueue publishes jobs.
	TopicID string
	// SubscriptionID is where Dequeue pulls jobs from.
	SubscriptionID string
	// MaxOutstanding bounds unacked deliveries held by the client.
	MaxOutstanding int
}

type delivery struct {
	job crawler.CrawlJob
	ack crawler.AckFunc
}

// Queue adapts a Pub/Sub topic/subscription pair to the JobQueue interface.
// Dequeued jobs stay leased until their ack func runs; dropping the ack lets
// Pub/Sub redeliver.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger

	deliveries chan delivery
	cancel     context.CancelFunc
	done       chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New connects to Pub/Sub and starts the background receiver.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	q := &Queue{
		client:     client,
		logger:     logger,
		deliveries: make(chan delivery),
		done:       make(chan struct{}),
	}
	if cfg.TopicID != "" {
		q.topic = client.Topic(cfg.TopicID)
	}

	if cfg.SubscriptionID != "" {
		sub := client.Subscription(cfg.SubscriptionID)
		if cfg.MaxOutstanding > 0 {
			sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		}
		recvCtx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		go q.receive(recvCtx, sub)
	} else {
		close(q.done)
	}
	return q, nil
}

func (q *Queue) receive(ctx context.Context, sub *pubsub.Subscription) {
	defer close(q.done)
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var job crawler.CrawlJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.logger.Warn("dropping malformed job message", zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.deliveries <- delivery{job: job, ack: msg.Ack}:
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Enqueue publishes a job to the topic and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, job crawler.CrawlJob) error {
	if q.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Dequeue returns the next delivered job.
func (q *Queue) Dequeue(ctx context.Context) (crawler.CrawlJob, crawler.AckFunc, error) {
	select {
	case <-ctx.Done():
		return crawler.CrawlJob{}, nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d := <-q.deliveries:
		return d.job, d.ack, nil
	}
}

// Close stops the receiver and releases the client. Unacked deliveries are
// redelivered by Pub/Sub.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		<-q.done
		if q.topic != nil {
			q.topic.Stop()
		}
		q.closeErr = q.client.Close()
	})
	return q.closeErr
}

// Publisher publishes JSON payloads to named topics on a shared client.
type Publisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPublisher wraps a Pub/Sub client for completion event publishing.
func NewPublisher(ctx context.Context, projectID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

// Publish marshals payload as JSON, publishes it, and returns the server
// message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := p.topicHandle(topic).Publish(ctx, &pubsub.Message{Data: data}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) topicHandle(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t
	}
	t := p.client.Topic(name)
	p.topics[name] = t
	return t
}

// Close stops all topic publishers and the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
