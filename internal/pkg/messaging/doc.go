// Package messaging provides a broker-agnostic API for publishing and
// consuming messages.
//
// Business code depends on Publisher/Consumer only; the driver (Kafka, NATS,
// NSQ, Google Pub/Sub or the in-process Memory broker) is picked from config
// through NewFromDriver. Consumers that disable auto-ack own the
// acknowledgement and decide per message whether to Ack (commit) or Nack.
package messaging
