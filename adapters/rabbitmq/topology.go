package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
)

// ErrorQueue names the dead-letter queue of an endpoint.
func ErrorQueue(queue string) string { return queue + "_error" }

// declare applies the whole topology on ch. Declarations are idempotent, so
// it runs again after every reconnect.
func (t *Transport) declare(ch Channel) error {
	durable := t.settings.Durable

	for _, ep := range t.endpoints {
		errName := ErrorQueue(ep.Queue)

		if err := ch.ExchangeDeclare(errName, string(cbus.ExchangeFanout), durable, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", errName, err)
		}

		if _, err := ch.QueueDeclare(errName, durable, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", errName, err)
		}

		if err := ch.QueueBind(errName, "", errName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", errName, err)
		}

		if err := ch.ExchangeDeclare(ep.Queue, string(cbus.ExchangeFanout), durable, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ep.Queue, err)
		}

		args := amqp.Table{"x-dead-letter-exchange": errName}
		if _, err := ch.QueueDeclare(ep.Queue, durable, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", ep.Queue, err)
		}

		if err := ch.QueueBind(ep.Queue, "", ep.Queue, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", ep.Queue, err)
		}

		for _, k := range ep.Kinds {
			if err := ch.ExchangeDeclare(string(k), t.exchangeKind(), durable, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", k, err)
			}

			if err := ch.ExchangeBind(ep.Queue, t.bindingKey(k), string(k), false, nil); err != nil {
				return fmt.Errorf("bind exchange %s to %s: %w", k, ep.Queue, err)
			}
		}
	}

	return nil
}

// declareKind declares the exchange of a message kind the first time it is
// published on the current connection.
func (t *Transport) declareKind(ch Channel, name string) error {
	t.mu.RLock()
	_, ok := t.declared[name]
	t.mu.RUnlock()

	if ok {
		return nil
	}

	if err := ch.ExchangeDeclare(name, t.exchangeKind(), t.settings.Durable, false, false, false, nil); err != nil {
		return err
	}

	t.mu.Lock()
	t.declared[name] = struct{}{}
	t.mu.Unlock()

	return nil
}

func (t *Transport) exchangeKind() string {
	if t.settings.Exchange == "" {
		return string(cbus.ExchangeFanout)
	}

	return string(t.settings.Exchange)
}

// bindingKey matches the default routing key (the kind) on direct exchanges
// and everything on topic exchanges.
func (t *Transport) bindingKey(k cbus.MessageKind) string {
	switch cbus.ExchangeKind(t.exchangeKind()) {
	case cbus.ExchangeDirect:
		return string(k)
	case cbus.ExchangeTopic:
		return "#"
	default:
		return ""
	}
}
