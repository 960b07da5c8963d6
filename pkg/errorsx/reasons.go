package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonBackendConnect   ReasonCode = "backend_connect"
	ReasonBackendSend      ReasonCode = "backend_send"
	ReasonBackendReconnect ReasonCode = "backend_reconnect"
	ReasonBackendRateLimit ReasonCode = "backend_rate_limit"
	ReasonBackendClosed    ReasonCode = "backend_closed"

	ReasonProviderConfig      ReasonCode = "provider_config"
	ReasonProviderUnsupported ReasonCode = "provider_unsupported"

	ReasonMicPermission  ReasonCode = "mic_permission"
	ReasonMicUnavailable ReasonCode = "mic_unavailable"
	ReasonSourceClosed   ReasonCode = "source_closed"
)
