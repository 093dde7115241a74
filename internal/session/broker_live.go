package session

import "github.com/spec-kit/feedback-chat/internal/events"

// BrokerLive exposes an in-process broker as a Live channel.
type BrokerLive struct {
	Broker *events.Broker
}

// Subscribe implements Live.
func (b BrokerLive) Subscribe(topic events.Topic, handler events.Handler) (Subscription, error) {
	sub, err := b.Broker.Subscribe(topic, handler)
	if err != nil {
		return nil, err
	}
	return brokerSubscription{broker: b.Broker, sub: sub}, nil
}

type brokerSubscription struct {
	broker *events.Broker
	sub    *events.Subscription
}

func (s brokerSubscription) Unsubscribe() {
	s.broker.Unsubscribe(s.sub)
}
