package bedrock

import (
	"errors"
	"fmt"
	"net/http"

	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrThrottled marks a rate-limited provider response. Callers can back off
// and retry the run; the error chain keeps the underlying AWS error.
var ErrThrottled = errors.New("bedrock request throttled")

// isThrottled reports whether the error is a rate-limit condition, either by
// provider error code or by HTTP status.
func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

// wrapError annotates a ConverseStream failure with the provider error code
// when one is present.
func wrapError(err error) error {
	if isThrottled(err) {
		return fmt.Errorf("bedrock converse stream: %w: %w", ErrThrottled, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("bedrock converse stream: %s: %w", apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("bedrock converse stream: %w", err)
}
