package relay

import (
	"fmt"

	"ttm/internal/config"
)

// SinksFromConfig builds every configured sink. Sinks created before a
// failure are closed.
func SinksFromConfig(cfg config.Relay) ([]Sink, error) {
	var sinks []Sink
	for _, hook := range cfg.Webhooks {
		sinks = append(sinks, NewWebhookSink(hook))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.AMQP.URL != "" {
		sink, err := NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, fmt.Errorf("amqp relay: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
