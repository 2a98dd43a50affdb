// File: internal/apperr/errors.go
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one member of the fixed error taxonomy surfaced to users and
// to the model. Backends and the model client convert every failure they see
// into one of these before it leaves their boundary.
type Kind string

const (
	ConfigIncomplete        Kind = "CONFIG_INCOMPLETE"
	ModelNotSelected        Kind = "MODEL_NOT_SELECTED"
	Timeout                 Kind = "TIMEOUT"
	ConnectionError         Kind = "CONNECTION_ERROR"
	TLSError                Kind = "TLS_ERROR"
	TooManyRedirects        Kind = "TOO_MANY_REDIRECTS"
	HTTPClientError         Kind = "HTTP_CLIENT_ERROR"
	HTTPServerError         Kind = "HTTP_SERVER_ERROR"
	MalformedResponse       Kind = "MALFORMED_RESPONSE"
	UnexpectedResponseShape Kind = "UNEXPECTED_RESPONSE_SHAPE"
	CommandNotFound         Kind = "COMMAND_NOT_FOUND"
	PermissionDenied        Kind = "PERMISSION_DENIED"
	DirectoryNotFound       Kind = "DIRECTORY_NOT_FOUND"
	ActionParseError        Kind = "ACTION_PARSE_ERROR"
	CapabilityUnavailable   Kind = "CAPABILITY_UNAVAILABLE"
	ActionRuntimeFailure    Kind = "ACTION_RUNTIME_FAILURE"
	InternalError           Kind = "INTERNAL_ERROR"
)

// Surface tells UserMessage which category prefix to use for kinds that are
// shared between backends (unavailable/runtime failures).
type Surface string

const (
	SurfaceNone     Surface = ""
	SurfaceGUI      Surface = "gui"
	SurfaceKeyboard Surface = "keyboard"
	SurfaceShell    Surface = "shell"
)

// Category prefixes. Every user-visible error starts with exactly one of these.
const (
	PrefixAPI                 = "[API error]"
	PrefixShell               = "[Shell error]"
	PrefixParse               = "[Parse error]"
	PrefixGUIUnavailable      = "[GUI unavailable]"
	PrefixGUIError            = "[GUI error]"
	PrefixKeyboardUnavailable = "[Keyboard unavailable]"
	PrefixKeyboardError       = "[Keyboard error]"
	PrefixUnavailable         = "[Capability unavailable]"
	PrefixAction              = "[Action error]"
	PrefixInternal            = "[Internal error]"
)

var allPrefixes = []string{
	PrefixAPI, PrefixShell, PrefixParse,
	PrefixGUIUnavailable, PrefixGUIError,
	PrefixKeyboardUnavailable, PrefixKeyboardError,
	PrefixUnavailable, PrefixAction, PrefixInternal,
}

// Error is the single error type that crosses component boundaries.
type Error struct {
	Kind    Kind
	Surface Surface
	// Status is the HTTP status for HTTPClientError/HTTPServerError, zero otherwise.
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind so callers can write errors.Is(err, &apperr.Error{Kind: apperr.Timeout}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error carrying an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// HTTP creates an HTTPClientError or HTTPServerError for the given status.
func HTTP(status int, detail string) *Error {
	kind := HTTPClientError
	if status >= 500 {
		kind = HTTPServerError
	}
	return &Error{Kind: kind, Status: status, Message: detail}
}

// On returns a copy of e attributed to the given backend surface.
func (e *Error) On(s Surface) *Error {
	c := *e
	c.Surface = s
	return &c
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// From converts any error into an *Error, classifying unknown errors as InternalError.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(InternalError, err, "unexpected error")
}

// Prefix returns the category prefix for the error.
func (e *Error) Prefix() string {
	switch e.Kind {
	case ConfigIncomplete, ModelNotSelected, Timeout, ConnectionError, TLSError,
		TooManyRedirects, HTTPClientError, HTTPServerError, MalformedResponse, UnexpectedResponseShape:
		return PrefixAPI
	case CommandNotFound, PermissionDenied, DirectoryNotFound:
		return PrefixShell
	case ActionParseError:
		return PrefixParse
	case CapabilityUnavailable:
		switch e.Surface {
		case SurfaceGUI:
			return PrefixGUIUnavailable
		case SurfaceKeyboard:
			return PrefixKeyboardUnavailable
		}
		return PrefixUnavailable
	case ActionRuntimeFailure:
		switch e.Surface {
		case SurfaceGUI:
			return PrefixGUIError
		case SurfaceKeyboard:
			return PrefixKeyboardError
		case SurfaceShell:
			return PrefixShell
		}
		return PrefixAction
	}
	return PrefixInternal
}

// UserMessage renders the localized, human-readable message for the error.
// It never includes the raw cause for API kinds, so transport details such as
// request headers can not leak into the conversation.
func (e *Error) UserMessage() string {
	return e.Prefix() + " " + strings.TrimSpace(e.template())
}

func (e *Error) template() string {
	switch e.Kind {
	case ConfigIncomplete:
		return "API key or URL is not configured. Please complete the settings. " + e.Message
	case ModelNotSelected:
		return "No model is selected. Please choose a model in the settings."
	case Timeout:
		return "The request to the model API timed out. " + e.Message
	case ConnectionError:
		return "Could not connect to the model API. Check the URL and your network. " + e.Message
	case TLSError:
		return "A TLS/SSL error occurred while contacting the model API. " + e.Message
	case TooManyRedirects:
		return "The model API redirected too many times. Check the API URL."
	case HTTPClientError:
		return httpClientText(e.Status, e.Message)
	case HTTPServerError:
		return httpServerText(e.Status, e.Message)
	case MalformedResponse:
		return "The model API returned a response that is not valid JSON. " + e.Message
	case UnexpectedResponseShape:
		return "The model API response did not have the expected structure. " + e.Message
	case InternalError:
		if e.Cause != nil {
			return fmt.Sprintf("%s (%v)", e.Message, e.Cause)
		}
		return e.Message
	}
	return e.Message
}

func httpClientText(status int, detail string) string {
	var base string
	switch status {
	case 400:
		base = "Bad request (400): the model API rejected the request."
	case 401:
		base = "Authentication failed (401): check the API key."
	case 403:
		base = "Forbidden (403): the API key lacks permission for this model or endpoint."
	case 429:
		base = "Rate limited (429): too many requests. Please wait and try again."
	default:
		base = fmt.Sprintf("Client error (%d) from the model API.", status)
	}
	return joinDetail(base, detail)
}

func httpServerText(status int, detail string) string {
	var base string
	switch status {
	case 500:
		base = "Internal server error (500) from the model API."
	case 502:
		base = "Bad gateway (502) from the model API."
	case 503:
		base = "Service unavailable (503): the model API is overloaded or down."
	case 504:
		base = "Gateway timeout (504) from the model API."
	default:
		base = fmt.Sprintf("Server error (%d) from the model API.", status)
	}
	return joinDetail(base, detail)
}

func joinDetail(base, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return base
	}
	return base + " Detail: " + detail
}

// IsErrorText reports whether text begins with one of the category prefixes.
func IsErrorText(text string) bool {
	t := strings.TrimSpace(text)
	for _, p := range allPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// ContainsErrorText reports whether any category prefix appears anywhere in text.
func ContainsErrorText(text string) bool {
	for _, p := range allPrefixes {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
