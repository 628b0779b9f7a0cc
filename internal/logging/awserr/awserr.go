package awserr

import (
	"context"

	"github.com/aws/smithy-go"
	"github.com/pkg/errors"

	"github.com/Chichichkin/CloudLogShipper/internal/logging"
)

// Code returns the service error code of err, or "" if err did not come from the service.
func Code(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// Classify maps error codes shared by AWS services. Errors that never reached
// the service are retryable.
func Classify(err error) logging.ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return logging.ClassRetryable
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return logging.ClassRetryable
	}

	switch apiErr.ErrorCode() {
	case "ThrottlingException", "Throttling", "Throttled", "ThrottledException",
		"ProvisionedThroughputExceededException", "LimitExceededException",
		"ServiceUnavailableException", "ServiceUnavailable", "InternalFailure",
		"InternalErrorException", "InternalError", "RequestTimeout", "KMSThrottlingException":
		return logging.ClassRetryable

	case "ResourceNotFoundException", "NotFound", "NotFoundException":
		return logging.ClassMissing

	case "AccessDeniedException", "AccessDenied", "AuthorizationError",
		"UnrecognizedClientException", "InvalidClientTokenId", "ExpiredTokenException",
		"InvalidParameterException", "InvalidParameter", "InvalidArgumentException",
		"ValidationException", "KMSDisabledException", "KMSAccessDeniedException":
		return logging.ClassFatal
	}

	if apiErr.ErrorFault() == smithy.FaultServer {
		return logging.ClassRetryable
	}
	return logging.ClassFatal
}
