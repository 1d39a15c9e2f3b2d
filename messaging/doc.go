// Package messaging publishes and consumes domain events.
//
// Publisher wraps an already built contracts.DomainEvent in a persistent JSON
// message, verifies the target exchange and waits for the broker confirm. It
// never returns an error to the caller; failures are logged and counted.
//
// RetryConsumer decodes deliveries into contracts.DomainEvent[T] and hands
// them to a Handler. Failed messages are re-published to the same queue with
// an incremented x-retry-count header after a fixed delay, and rejected once
// the retry limit is reached:
//
//	consumer := messaging.NewRetryConsumer[UserCreated](manager, "notifications",
//		messaging.HandlerFunc[UserCreated](func(ctx context.Context, event contracts.DomainEvent[UserCreated], _ rabbitmq.Delivery) error {
//			return mailer.Welcome(ctx, event.Payload.Email)
//		}),
//		messaging.WithMaxRetries(3),
//		messaging.WithRetryDelay(5*time.Second),
//	)
//	if err := consumer.Start(ctx); err != nil {
//		return err
//	}
//
// Both propagate W3C trace context through the message headers.
package messaging
