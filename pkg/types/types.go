package types

import (
	"encoding/json"
	"time"
)

// Protocol identifies the transport a request arrived on
type Protocol string

const (
	ProtocolRequestReply  Protocol = "request-reply"
	ProtocolBidirectional Protocol = "bidirectional"
	ProtocolIPC           Protocol = "ipc"
)

// ClientInfo describes the remote end of an inbound request
type ClientInfo struct {
	RemoteAddr    string            `json:"remote_addr"`
	UserAgent     string            `json:"user_agent"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	TransportName string            `json:"transport_name"`
}

// Principal is the authenticated identity attached to a request context
// by the security plugin.
type Principal struct {
	UserUUID   string   `json:"user_uuid"`
	Roles      []string `json:"roles"`
	AuthMethod string   `json:"auth_method"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ErrorInfo is the error contract shared by all plugins and adapters.
// Any plugin setting it on a context short-circuits the pipeline.
type ErrorInfo struct {
	StatusCode int    `json:"status_code"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail,omitempty"`
}

// Error kinds recognized across the gateway. Adapters map these onto their
// wire representation (HTTP status, websocket error frame, IPC envelope).
const (
	KindDecodeFailure     = "decode_failure"
	KindPayloadTooLarge   = "payload_too_large"
	KindNoSession         = "no_session"
	KindSessionExpired    = "session_expired"
	KindEncryptionError   = "encryption_error"
	KindMissingCredential = "missing_credential"
	KindInvalidCredential = "invalid_credential"
	KindExpiredToken      = "expired_token"
	KindNotPermitted      = "not_permitted"
	KindRateLimited       = "rate_limited"
	KindMalformedMessage  = "malformed_message"
	KindUnknownMessage    = "unknown_message_type"
	KindSchemaViolation   = "schema_violation"
	KindRoutingTimeout    = "routing_timeout"
	KindBusUnavailable    = "bus_unavailable"
	KindNoHandler         = "no_handler"
	KindValidationError   = "validation_error"
	KindNotFound          = "not_found"
	KindProcessingError   = "processing_error"
	KindInternalError     = "internal_error"
)

// Message is the tagged envelope routed through the pipeline and onto the
// event bus. Kind selects the handler from the static dispatch table.
type Message struct {
	Kind          string            `json:"kind"`
	ID            string            `json:"id"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// RequestContext is the mutable, single-owner object a request carries
// through the plugin pipeline. Adapters create one per inbound request and
// discard it after the response is written.
//
// Invariant: exactly one of Response or Error is set at pipeline exit.
type RequestContext struct {
	Protocol   Protocol
	RawPayload []byte
	Client     ClientInfo

	// Set by the security plugin on successful authentication.
	Principal *Principal

	// Set once the payload parses as an addressable message.
	MessageType string
	Message     *Message

	Response any
	Error    *ErrorInfo

	// Terminal stages (handshake and similar) set this to stop the
	// forward pass with the current response.
	SkipFurtherProcessing bool

	ReceivedAt time.Time
}

// NewRequestContext creates a context for one inbound request.
func NewRequestContext(protocol Protocol, payload []byte, client ClientInfo) *RequestContext {
	return &RequestContext{
		Protocol:   protocol,
		RawPayload: payload,
		Client:     client,
		ReceivedAt: time.Now(),
	}
}

// Fail records an error on the context. Plugins must not mutate the payload
// after signalling an error.
func (c *RequestContext) Fail(status int, kind, detail string) {
	c.Error = &ErrorInfo{StatusCode: status, Kind: kind, Detail: detail}
}

// Failed reports whether an error has been recorded.
func (c *RequestContext) Failed() bool {
	return c.Error != nil
}
