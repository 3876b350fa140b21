package pipeline

import (
	"fmt"
	"strings"
)

// SyntaxError reports a definition that could not be parsed into a graph.
// It is fatal for the call and never retried.
type SyntaxError struct {
	Definition string
	Err        error
}

func (e *SyntaxError) Error() string {
	if e.Err == nil {
		return "pipeline: syntax error"
	}
	return fmt.Sprintf("pipeline: syntax error: %v", e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// ExecutionError reports a graph that failed to reach the playing state or a
// fault raised on the bus while it ran.
type ExecutionError struct {
	// Stage is the name of the element that originated the fault
	Stage string
	// Message is the human-readable error text
	Message string
	// Debug carries the element's debug string, if any
	Debug string
	// Category is the telemetry classification of the fault
	Category ErrorCategory
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pipeline: execution error in %s [%s]: %s", e.Stage, e.Category, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrorCategory represents the classification of bus errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown ErrorCategory = iota
	// ErrCategoryDevice indicates the source device could not be opened or read
	ErrCategoryDevice
	// ErrCategoryNetwork indicates network-related failures (connection, timeout, DNS)
	ErrCategoryNetwork
	// ErrCategoryCodec indicates negotiation or decode failures
	ErrCategoryCodec
	// ErrCategoryAuth indicates authentication/authorization failures
	ErrCategoryAuth
	// ErrCategoryTimeout indicates the run exceeded its time bound
	ErrCategoryTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	case ErrCategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// deviceKeywords is checked before network: v4l2 "could not open device"
// must not land in network.
var (
	authKeywords    = []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials"}
	deviceKeywords  = []string{"device", "/dev/", "v4l2", "resource busy", "no such file", "could not open"}
	codecKeywords   = []string{"codec", "decode", "format", "negotiation", "not negotiated", "not-negotiated", "caps", "missing plugin", "no decoder"}
	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "udp", "rtsp", "could not connect", "failed to connect",
	}
)

// ClassifyError categorizes a bus error message and debug string.
//
// Classification is keyword based, most specific category first.
func ClassifyError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
