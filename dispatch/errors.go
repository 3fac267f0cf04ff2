package dispatch

import (
	stderrors "errors"
	"fmt"

	"middlewared/message"

	"github.com/pkg/errors"
)

// Kind classifies a failed call.
type Kind string

const (
	KindMethodNotFound        Kind = "MethodNotFound"
	KindInvocationError       Kind = "InvocationError"
	KindAuthenticationFailure Kind = "AuthenticationFailure"
	KindTimeout               Kind = "Timeout"
	KindRateLimited           Kind = "RateLimited"
)

// Error is the structured failure returned in place of a result. Message is
// the text sent to the caller in the "error" field.
type Error struct {
	Kind       Kind
	Message    string
	Stacktrace string
}

func (e *Error) Error() string { return e.Message }

// MethodNotFound reports a malformed method string, unknown namespace or
// unknown method name.
func MethodNotFound(method string) *Error {
	return &Error{Kind: KindMethodNotFound, Message: fmt.Sprintf("%s: %s", KindMethodNotFound, method)}
}

// Invocation wraps an error returned by a handler. The message is the
// handler's own text. The stack trace is the deepest one recorded in the
// error chain, or the dispatch site's when the chain carries none.
func Invocation(err error) *Error {
	stack := stackOf(err)
	if stack == "" {
		stack = fmt.Sprintf("%+v", errors.WithStack(err))
	}
	return &Error{
		Kind:       KindInvocationError,
		Message:    err.Error(),
		Stacktrace: stack,
	}
}

// Panicked converts a recovered panic into an invocation error.
func Panicked(v any, stack []byte) *Error {
	return &Error{
		Kind:       KindInvocationError,
		Message:    fmt.Sprint(v),
		Stacktrace: string(stack),
	}
}

// Unauthenticated is the answer to every message on a rejected session.
func Unauthenticated() *Error {
	return &Error{Kind: KindAuthenticationFailure, Message: message.NotAuthenticated}
}

func Timeout(method string) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s: %s", KindTimeout, method)}
}

func RateLimited(method string) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf("%s: %s", KindRateLimited, method)}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackOf renders the deepest stack recorded in err's chain.
func stackOf(err error) string {
	var deepest error
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if _, ok := e.(stackTracer); ok {
			deepest = e
		}
	}
	if deepest == nil {
		return ""
	}
	return fmt.Sprintf("%+v", deepest)
}
