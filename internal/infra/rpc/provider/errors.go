package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrRateLimited matches any *RPCError caused by provider throttling.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnsupportedMethod matches any *RPCError reporting that the endpoint
	// does not serve the requested method.
	ErrUnsupportedMethod = errors.New("method not supported")
)

// JSON-RPC error codes with special handling.
const (
	CodeMethodNotFound = -32601
	CodeLimitExceeded  = -32005
)

var throttlePatterns = []string{
	"rate limit exceeded",
	"too many requests",
	"daily request count exceeded",
	"project rate limit",
	"monthly quota exceeded",
	"exceeded its compute units",
	"request rate exceeded",
}

// rangeRejectionPatterns mark -32005 answers that reject the size of an
// eth_getLogs request rather than the request rate.
var rangeRejectionPatterns = []string{
	"block range",
	"more than 10000 results",
	"range allowed",
	"range too large",
	"response size",
}

var unsupportedPatterns = []string{
	"method not found",
	"method not supported",
	"unsupported method",
	"does not exist/is not available",
	"is not whitelisted",
}

// RPCError is a failure reported by an endpoint, either as a non-200 HTTP
// response or as a JSON-RPC error object.
type RPCError struct {
	Provider   string
	Method     string
	Status     int
	Code       int
	Message    string
	Data       json.RawMessage
	RetryAfter string
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s: rpc error %d: %s", e.Provider, e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: http %d: %s", e.Provider, e.Method, e.Status, e.Message)
}

// Is lets errors.Is classify the failure against the package sentinels.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		if e.Status == http.StatusTooManyRequests || containsAny(e.Message, throttlePatterns) {
			return true
		}
		return e.Code == CodeLimitExceeded && !containsAny(e.Message, rangeRejectionPatterns)
	case ErrUnsupportedMethod:
		return e.Code == CodeMethodNotFound || containsAny(e.Message, unsupportedPatterns)
	}
	return false
}

// IsRateLimited reports whether err was caused by provider throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsUnsupportedMethod reports whether the endpoint rejected the method.
func IsUnsupportedMethod(err error) bool {
	return errors.Is(err, ErrUnsupportedMethod)
}

func containsAny(message string, patterns []string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
