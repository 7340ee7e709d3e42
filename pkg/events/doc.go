// Package events publishes admission decisions.
//
// Every publisher implements admission.Publisher and sends the same JSON
// envelope:
//
//	{"id": "...", "type": "plugin.admitted", "timestamp": "...", "decision": {...}}
//
// AMQPPublisher routes events to RabbitMQ, either to a topic exchange keyed by
// event type or to a single queue. WebhookPublisher POSTs them to an HTTP
// endpoint with an HMAC-SHA256 signature in X-OPNet-Signature and retries with
// exponential backoff. LogPublisher writes them to the log. MultiPublisher fans
// out to several of these.
package events
