package errors

// kindTemplate describes a registered kind.
type kindTemplate struct {
	Name    string
	Code    string
	Message string
}

// registry maps kinds to their names, codes and default messages.
var registry = map[Kind]kindTemplate{
	// ============================================
	// Protocol (DG001-DG009)
	// ============================================
	MalformedFrame: {
		Name:    "malformed_frame",
		Code:    "DG001",
		Message: "malformed frame",
	},

	// ============================================
	// Connection establishment (DG010-DG019)
	// ============================================
	ConnectTimeout: {
		Name:    "connect_timeout",
		Code:    "DG010",
		Message: "connect timed out",
	},
	ConnectionRefused: {
		Name:    "connection_refused",
		Code:    "DG011",
		Message: "connection refused",
	},
	NetworkError: {
		Name:    "network_error",
		Code:    "DG012",
		Message: "network error",
	},

	// ============================================
	// Session state (DG020-DG039)
	// ============================================
	NotConnected: {
		Name:    "not_connected",
		Code:    "DG020",
		Message: "not connected",
	},
	NotFound: {
		Name:    "not_found",
		Code:    "DG021",
		Message: "not found",
	},
	Conflict: {
		Name:    "conflict",
		Code:    "DG022",
		Message: "already exists",
	},
	InvalidTransition: {
		Name:    "invalid_transition",
		Code:    "DG023",
		Message: "invalid status transition",
	},
	LimitExceeded: {
		Name:    "limit_exceeded",
		Code:    "DG024",
		Message: "limit exceeded",
	},
	ShuttingDown: {
		Name:    "shutting_down",
		Code:    "DG025",
		Message: "shutting down",
	},

	// ============================================
	// Caller errors (DG040-DG049)
	// ============================================
	InvalidConfig: {
		Name:    "invalid_config",
		Code:    "DG040",
		Message: "invalid configuration",
	},
	Unauthorized: {
		Name:    "unauthorized",
		Code:    "DG041",
		Message: "unauthorized",
	},
}
