package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// LogPublisher publishes events to the process log. Used until a real
// broker (NATS/Kafka) is wired in.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher creates a LogPublisher writing to the default logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	evt := Event{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
		Source:    "control-plane",
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	p.logger.Printf("[STREAMING] PUBLISH %s: %s", topic, string(data))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
