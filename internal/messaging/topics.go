package messaging

// Topic and header names for published audit results
const (
	// TopicAuditResults receives one JSON audit result per probe run, keyed by host:port
	TopicAuditResults = "pool-audits"

	HeaderContentType = "content-type"
	HeaderTool        = "tool"
	ContentTypeJSON   = "application/json"
)
