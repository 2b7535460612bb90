package amqp

import (
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"fintrack/internal/dispatch"
)

func toPublishing(ev *dispatch.Event) (amqp091.Publishing, error) {
	body, err := ev.ToJSON()
	if err != nil {
		return amqp091.Publishing{}, err
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Name,
		Timestamp:    time.Now(),
		Body:         body,
	}, nil
}

func fromDelivery(d amqp091.Delivery) (*dispatch.Event, error) {
	return dispatch.EventFromJSON(d.Body)
}

// toDelayedPublishing sets a per-message TTL of at least one millisecond.
func toDelayedPublishing(ev *dispatch.Event, delay time.Duration) (amqp091.Publishing, error) {
	msg, err := toPublishing(ev)
	if err != nil {
		return msg, err
	}
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	msg.Expiration = strconv.FormatInt(ms, 10)
	return msg, nil
}

func delayQueueName(queue string) string {
	return queue + ".delay"
}
