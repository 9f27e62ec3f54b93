package dto

// Event source labels.
const (
	SourceAMQP     = "amqp"
	SourceHTTP     = "http"
	SourcePostgres = "postgres"
)

// [INBOUND] A raw producer message as handed over by an event source.
type InboundMessage struct {
	// Source names the event source, used for logs and metrics.
	Source string
	// RoutingKey addresses the channel when the payload carries no "path".
	RoutingKey string
	Payload    []byte
	// TraceID correlates the message with the source (AMQP message UUID, PG pid...).
	TraceID string
}
