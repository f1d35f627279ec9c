package tracing

// Span attribute keys used across the daemon.
const (
	// Control plane attributes
	AttrEndpoint      = "rpc.endpoint"
	AttrCallerSession = "caller.session_id"
	AttrCallerSystem  = "caller.system_role"
	AttrCallerHuman   = "caller.human_role"
	AttrHTTPStatus    = "http.status_code"

	// Session attributes
	AttrSessionID = "session.id"
	AttrComputer  = "session.computer"
	AttrAgent     = "session.agent"

	// Queue attributes
	AttrMessageID     = "message.id"
	AttrMessageOrigin = "message.origin"
	AttrAttempt       = "message.attempt"

	// Envelope attributes
	AttrEnvelopeID   = "envelope.id"
	AttrEnvelopeType = "envelope.type"
	AttrAdapter      = "adapter.name"

	// Error attributes
	AttrErrorKind    = "error.kind"
	AttrErrorMessage = "error.message"
)

// Span name prefixes.
const (
	SpanPrefixRPC      = "rpc."
	SpanPrefixDeliver  = "deliver."
	SpanPrefixInbound  = "inbound."
	SpanPrefixPipeline = "pipeline."
)

// Span event names.
const (
	EventEnvelopeDropped  = "envelope.dropped"
	EventDeliveryRetried  = "delivery.retried"
	EventIdentityRejected = "identity.rejected"
	EventRoleDenied       = "role.denied"
)
