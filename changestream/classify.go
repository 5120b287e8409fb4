package changestream

import "errors"

// MinResumableLabelWireVersion is the wire version at which the server
// begins attaching the ResumableChangeStreamError label to failures,
// instead of relying on the fixed error-code whitelist below.
const MinResumableLabelWireVersion int32 = 9

// Error labels consulted by IsRetryable.
const (
	NetworkErrorLabel               = "NetworkError"
	ResumableChangeStreamErrorLabel = "ResumableChangeStreamError"
)

// CursorNotFoundCode is the server error code for a dropped cursor; it is
// always resumable regardless of wire version or label.
const CursorNotFoundCode int32 = 43

// resumableCodes is the fixed whitelist of codes considered resumable on
// servers below MinResumableLabelWireVersion, i.e. before the server could
// reliably attach ResumableChangeStreamErrorLabel itself.
var resumableCodes = map[int32]struct{}{
	6:     {}, // HostUnreachable
	7:     {}, // HostNotFound
	89:    {}, // NetworkTimeout
	91:    {}, // ShutdownInProgress
	189:   {}, // PrimarySteppedDown
	262:   {}, // ExceededTimeLimit
	9001:  {}, // SocketException
	10107: {}, // NotMaster / NotPrimary
	11600: {}, // InterruptedAtShutdown
	11602: {}, // InterruptedDueToReplStateChange
	13435: {}, // NotMasterNoSecondaryOK
	13436: {}, // NotMasterOrSecondary
	63:    {}, // StaleShardVersion
	150:   {}, // StaleEpoch
	13388: {}, // StaleConfig
	234:   {}, // RetryChangeStream
	133:   {}, // FailedToSatisfyReadPreference
}

// IsRetryable is the Retryability Classifier (spec §4.1): a pure predicate
// over (error, maxWireVersion) deciding whether err represents a loss of
// server-side cursor context the resume protocol can recover from.
//
// A nil error is never retryable. Any error that is not a *CommandError
// (network-level errors: socket close, read/write failure, connection
// reset) is treated as resumable, matching the "all non-server errors are
// resumable" rule. A *CommandError is resumable if it carries the
// NetworkError label, if its code is CursorNotFoundCode, or — depending on
// maxWireVersion — if it carries the ResumableChangeStreamError label or
// appears on the fixed code whitelist.
//
// IsRetryable must only ever be consulted against the error returned
// directly by an UnderlyingCursor fetch. Errors this package raises itself
// (ErrMissingResumeToken, *LifecycleError, *DecodeError, resume-setup
// failures) are never passed to it and are never retried.
func IsRetryable(err error, maxWireVersion int32) bool {
	if err == nil {
		return false
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return true
	}

	if cmdErr.HasErrorLabel(NetworkErrorLabel) {
		return true
	}

	if cmdErr.Code == CursorNotFoundCode {
		return true
	}

	if maxWireVersion >= MinResumableLabelWireVersion {
		return cmdErr.HasErrorLabel(ResumableChangeStreamErrorLabel)
	}

	_, ok := resumableCodes[cmdErr.Code]
	return ok
}
