package rds

import (
	"net"
	"strings"

	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
)

// transientCodes are API error codes that are safe to retry.
var transientCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"RequestThrottled":         true,
	"TooManyRequestsException": true,
	"ServiceUnavailable":       true,
	"InternalFailure":          true,
	"InternalError":            true,
	"RequestTimeout":           true,
	"RequestTimeoutException":  true,
}

// unsupportedRestoreCodes mean the restore cannot be issued through the API
// for this snapshot and must be done by an operator.
var unsupportedRestoreCodes = map[string]bool{
	"InvalidParameterCombination": true,
	"UnsupportedOperation":        true,
	"OperationNotSupported":       true,
	"InvalidRestoreFault":         true,
}

// classify maps an SDK error onto the migration's error kinds and adds op as context.
func classify(err error, op string) error {
	var instanceNotFound *rdstypes.DBInstanceNotFoundFault
	var clusterNotFound *rdstypes.DBClusterNotFoundFault
	var snapshotNotFound *rdstypes.DBSnapshotNotFoundFault

	switch {
	case errors.As(err, &instanceNotFound):
		return errors.Wrap(internalerrors.WithKind(internalerrors.ErrInstanceNotFound, err), op)
	case errors.As(err, &clusterNotFound):
		return errors.Wrap(internalerrors.WithKind(internalerrors.ErrClusterNotFound, err), op)
	case errors.As(err, &snapshotNotFound):
		return errors.Wrap(internalerrors.WithKind(internalerrors.ErrSnapshotNotFound, err), op)
	case isTransient(err):
		return errors.Wrap(internalerrors.WithKind(internalerrors.ErrInfrastructureUnavailable, err), op)
	}

	// Errors that lost their modeled type still carry the code in the message.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "DBInstanceNotFound"):
		return errors.Wrap(internalerrors.WithKind(internalerrors.ErrInstanceNotFound, err), op)
	case strings.Contains(msg, "DBClusterNotFound"):
		return errors.Wrap(internalerrors.WithKind(internalerrors.ErrClusterNotFound, err), op)
	case strings.Contains(msg, "DBSnapshotNotFound"):
		return errors.Wrap(internalerrors.WithKind(internalerrors.ErrSnapshotNotFound, err), op)
	}

	return errors.Wrap(err, op)
}

func isTransient(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return transientCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isUnsupportedRestore(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return unsupportedRestoreCodes[apiErr.ErrorCode()]
	}
	return false
}
