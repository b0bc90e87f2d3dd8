package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Sync core
	FieldRoomID    = "room_id"
	FieldMessageID = "message_id"
	FieldRemoteID  = "remote_id"
	FieldUserID    = "user_id"
	FieldEmoji     = "emoji"
	FieldOp        = "op"
	FieldAttempt   = "attempt"
	FieldCursor    = "cursor"

	// Process
	FieldService   = "service"
	FieldComponent = "component"
)
