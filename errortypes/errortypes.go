package errortypes

// Configuration should be used when a bidder interface or agent configuration cannot be used:
// an unknown interface name, a duplicate name, a nested multi interface or a payload that does
// not match the expected shape.
//
// Configuration errors are detected before anything is started and stop the stack from starting.
type Configuration struct {
	Message string
}

func (err *Configuration) Error() string {
	return err.Message
}

func (err *Configuration) Code() int {
	return ConfigurationErrorCode
}

func (err *Configuration) Severity() Severity {
	return SeverityFatal
}

// Startup flags a component that could not become ready, most often because its listener
// could not be bound. Component names the part of the stack that failed.
type Startup struct {
	Component string
	Message   string
}

func (err *Startup) Error() string {
	return err.Component + ": " + err.Message
}

func (err *Startup) Code() int {
	return StartupErrorCode
}

func (err *Startup) Severity() Severity {
	return SeverityFatal
}

// Timeout should be used to flag that a transport failed to return a response because its
// deadline expired before a result was received.
type Timeout struct {
	Message string
}

func (err *Timeout) Error() string {
	return err.Message
}

func (err *Timeout) Code() int {
	return TimeoutErrorCode
}

func (err *Timeout) Severity() Severity {
	return SeverityRecoverable
}

// FailedToRequestBids covers connection failures: the request never reached the remote end.
type FailedToRequestBids struct {
	Message string
}

func (err *FailedToRequestBids) Error() string {
	return err.Message
}

func (err *FailedToRequestBids) Code() int {
	return FailedToRequestBidsErrorCode
}

func (err *FailedToRequestBids) Severity() Severity {
	return SeverityRecoverable
}

// BadServerResponse should be used when the remote end answered, but with a failure status
// or a body that could not be understood.
type BadServerResponse struct {
	Message string
}

func (err *BadServerResponse) Error() string {
	return err.Message
}

func (err *BadServerResponse) Code() int {
	return BadServerResponseErrorCode
}

func (err *BadServerResponse) Severity() Severity {
	return SeverityRecoverable
}

// UnknownAgent is returned when a transport is asked to talk to an agent it does not own.
type UnknownAgent struct {
	Agent string
}

func (err *UnknownAgent) Error() string {
	return "unknown agent: " + err.Agent
}

func (err *UnknownAgent) Code() int {
	return UnknownAgentErrorCode
}

func (err *UnknownAgent) Severity() Severity {
	return SeverityRecoverable
}

// FailedToUnmarshal is used when a payload cannot be decoded.
type FailedToUnmarshal struct {
	Message string
}

func (err *FailedToUnmarshal) Error() string {
	return err.Message
}

func (err *FailedToUnmarshal) Code() int {
	return FailedToUnmarshalErrorCode
}

func (err *FailedToUnmarshal) Severity() Severity {
	return SeverityFatal
}
