/*
Package rabbitmq runs a service bus topology on RabbitMQ. It declares one
exchange and queue per receive endpoint with a "<queue>_error" dead-letter
pair, binds message-kind exchanges to them, acks handled deliveries and
rejects failed ones without requeue. Connections are re-established with
backoff and published headers can carry context via a bus.HeaderPropagator.
*/
package rabbitmq
