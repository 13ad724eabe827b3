package metrics

// Metric names shared by the client engine and the relay.
const (
	SendsSubmitted       = "chat_sends_submitted_total"
	SendsConfirmed       = "chat_sends_confirmed_total"
	SendsFailed          = "chat_sends_failed_total"
	SendsBlocked         = "chat_sends_blocked_total"
	SendLatency          = "chat_send_latency"
	AttachmentsProcessed = "chat_attachments_processed_total"
	CompressionSavings   = "chat_compression_saved_bytes_total"
	EventsReconciled     = "chat_events_reconciled_total"
	EventsIgnored        = "chat_events_ignored_total"
	ChannelReconnects    = "chat_channel_reconnects_total"
	RelayMessagesStored  = "relay_messages_stored_total"
	RelayMessagesBlocked = "relay_messages_rejected_total"
	RelayConnections     = "relay_ws_connections"
	RelayRateLimited     = "relay_requests_rate_limited_total"
	HTTPRequests         = "http_requests_total"
	HTTPRequestDuration  = "http_request_duration"
)
