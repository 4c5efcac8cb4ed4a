package collab

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// error type checking:
//   sentinel errors are checked with errors.Is(err, ErrX)
//   classified failures are checked with errors.As(err, &connectionErr)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrMessageRejected  = errors.New("message rejected by peer")
	ErrMalformedFrame   = errors.New("malformed frame")
)

// used by the save coordinator
var (
	ErrQueueOverflow = errors.New("save queue overflow")
	ErrSaveFailed    = errors.New("save failed")
)

// used by the broadcaster
var (
	ErrMissingCellId = errors.New("event has no cell id")
	ErrMissingCell   = errors.New("event has no cell")
)

type ErrorKind string

const (
	ErrorKindAuthenticationFailed ErrorKind = "AuthenticationFailed"
	ErrorKindNetworkError         ErrorKind = "NetworkError"
	ErrorKindParseError           ErrorKind = "ParseError"
	ErrorKindConnectionFailed     ErrorKind = "ConnectionFailed"
	ErrorKindQueueOverflow        ErrorKind = "QueueOverflow"
	ErrorKindNotConnected         ErrorKind = "NotConnected"
	ErrorKindConnectionClosed     ErrorKind = "ConnectionClosed"
)

// recovery policy is a function of the kind only
func (self ErrorKind) policy() (isRecoverable bool, retryable bool) {
	switch self {
	case ErrorKindAuthenticationFailed:
		return false, false
	case ErrorKindNetworkError:
		return true, true
	case ErrorKindNotConnected, ErrorKindConnectionClosed:
		return true, true
	case ErrorKindParseError, ErrorKindQueueOverflow:
		return true, false
	default:
		// ErrorKindConnectionFailed and anything unclassified
		return true, false
	}
}

// ConnectionError is a classified failure. It is built once at the boundary
// where the failure is observed and is not modified afterwards.
type ConnectionError struct {
	Kind          ErrorKind
	Message       string
	IsRecoverable bool
	Retryable     bool
	// bounded copy of the offending frame, for `ErrorKindParseError`
	Payload string
	Err     error
}

func NewConnectionError(kind ErrorKind, message string, err error) *ConnectionError {
	isRecoverable, retryable := kind.policy()
	return &ConnectionError{
		Kind:          kind,
		Message:       message,
		IsRecoverable: isRecoverable,
		Retryable:     retryable,
		Err:           err,
	}
}

func newParseError(message string, payload []byte, maxPayloadLength int) *ConnectionError {
	connectionErr := NewConnectionError(ErrorKindParseError, message, ErrMalformedFrame)
	connectionErr.Payload = truncate(string(payload), maxPayloadLength)
	return connectionErr
}

func (self *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s", self.Kind, self.Message)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

var authenticationPattern = regexp.MustCompile(
	`(?i)\b(401|403)\b|unauthori[sz]ed|forbidden|authentication failed|invalid token|token expired|access denied`,
)

var networkPattern = regexp.MustCompile(
	`(?i)time(d)?\s?out|deadline exceeded|network is unreachable|no route to host|host is down|connection refused|connection reset|broken pipe|no such host|econnrefused|econnreset|enotfound|etimedout|enetunreach|ehostunreach|unexpected eof|abnormal closure`,
)

// ClassifyError maps a transport or protocol failure onto the taxonomy.
// An error that is already classified is returned as is.
// The message is redacted, with each of `addresses` replaced by its redacted form.
func ClassifyError(err error, addresses ...string) *ConnectionError {
	if err == nil {
		return nil
	}
	var connectionErr *ConnectionError
	if errors.As(err, &connectionErr) {
		return connectionErr
	}

	message := RedactText(err.Error(), addresses...)
	return NewConnectionError(classifyKind(err, message), message, err)
}

func classifyKind(err error, message string) ErrorKind {
	if authenticationPattern.MatchString(message) {
		return ErrorKindAuthenticationFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindNetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindNetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorKindNetworkError
	}
	if networkPattern.MatchString(strings.ToLower(message)) {
		return ErrorKindNetworkError
	}
	return ErrorKindConnectionFailed
}

func notConnectedError(state ConnectionState) *ConnectionError {
	return NewConnectionError(
		ErrorKindNotConnected,
		fmt.Sprintf("cannot send in state %s", state),
		ErrNotConnected,
	)
}

func connectionClosedError() *ConnectionError {
	return NewConnectionError(ErrorKindConnectionClosed, "connection closed", ErrConnectionClosed)
}
