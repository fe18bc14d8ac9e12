package errors

import (
	"net/http"
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Category groups error codes by how callers should react to them.
// Validation and Permanent failures are terminal for the offending input;
// Transient failures are retryable; Cancelled means the caller gave up.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryIdentity   Category = "identity"
	CategoryTransient  Category = "transient"
	CategoryPermanent  Category = "permanent"
	CategoryCancelled  Category = "cancelled"
	CategoryPermission Category = "permission"
	CategoryInternal   Category = "internal"
)

// Common Error Codes
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeUnauthorized       ErrorCode = "COMMON_003"
	ErrCodeForbidden          ErrorCode = "COMMON_004"
	ErrCodeNotFound           ErrorCode = "COMMON_005"
	ErrCodeConflict           ErrorCode = "COMMON_006"
	ErrCodeTooManyRequests    ErrorCode = "COMMON_007"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_008"
	ErrCodeTimeout            ErrorCode = "COMMON_009"
	ErrCodeCancelled          ErrorCode = "COMMON_010"
	ErrCodeSerialization      ErrorCode = "COMMON_011"
	ErrCodeDatabaseError      ErrorCode = "COMMON_012"
	ErrCodeCacheError         ErrorCode = "COMMON_013"
	ErrCodeExternalService    ErrorCode = "COMMON_014"
	ErrCodeNotImplemented     ErrorCode = "COMMON_015"
)

// Sentinel pseudo-codes used by GetCode when no AppError is in the chain.
const (
	CodeOK      = ErrorCode("OK")
	CodeUnknown = ErrorCode("UNKNOWN")
)

// Short aliases used throughout the application layers.
const (
	CodeInternal     = ErrCodeInternal
	CodeInvalidParam = ErrCodeBadRequest
	CodeUnauthorized = ErrCodeUnauthorized
	CodeForbidden    = ErrCodeForbidden
	CodeNotFound     = ErrCodeNotFound
	CodeConflict     = ErrCodeConflict
	CodeRateLimit    = ErrCodeTooManyRequests
	CodeCancelled    = ErrCodeCancelled
)

// Validation Error Codes — record-level failures during parse/bind/validate.
// These never abort an ingestion run; they reject the offending row.
const (
	ErrCodeValidationSyntax        ErrorCode = "VAL_001" // unparseable structure notation
	ErrCodeValidationChemistry     ErrorCode = "VAL_002" // parseable but chemically impossible
	ErrCodeValidationRange         ErrorCode = "VAL_003" // property value outside plausible range
	ErrCodeValidationMissingColumn ErrorCode = "VAL_004"
	ErrCodeValidationUnit          ErrorCode = "VAL_005" // unit missing or not convertible
	ErrCodeValidationType          ErrorCode = "VAL_006" // cell not parseable as the declared type
	ErrCodeValidationHeader        ErrorCode = "VAL_007"
	ErrCodeValidationSizeLimit     ErrorCode = "VAL_008" // structure notation exceeds the length cap
)

// Identity Error Codes — content-hash and concurrency conflicts in the store.
const (
	ErrCodeIdentityHashMismatch    ErrorCode = "IDN_001" // supplied hash does not match canonical form
	ErrCodeIdentityConflict        ErrorCode = "IDN_002" // same hash, contradictory identity fields
	ErrCodeIdentityVersionConflict ErrorCode = "IDN_003" // compare-and-swap lost the race
)

// Transient Error Codes — failures worth retrying with backoff.
const (
	ErrCodeTransientUnavailable ErrorCode = "TRN_001"
	ErrCodeTransientTimeout     ErrorCode = "TRN_002"
	ErrCodeTransientRateLimited ErrorCode = "TRN_003"
	ErrCodeTransientCircuitOpen ErrorCode = "TRN_004"
	ErrCodeTransientStorage     ErrorCode = "TRN_005"
)

// Permanent Error Codes — failures that retrying cannot fix.
const (
	ErrCodePermanentPredictionFailed    ErrorCode = "PRM_001"
	ErrCodePermanentUnsupportedProperty ErrorCode = "PRM_002"
	ErrCodePermanentInputRejected       ErrorCode = "PRM_003"
	ErrCodePermanentRetriesExhausted    ErrorCode = "PRM_004"
)

// Permission Error Codes
const (
	ErrCodePermissionDenied  ErrorCode = "AUTH_001"
	ErrCodePermissionExpired ErrorCode = "AUTH_002" // authorization revoked mid-pagination
)

// Molecule Store Error Codes
const (
	ErrCodeMoleculeNotFound        ErrorCode = "MOL_001"
	ErrCodeMoleculeInvalidSMILES   ErrorCode = "MOL_002"
	ErrCodeLibraryNotFound         ErrorCode = "MOL_003"
	ErrCodeFlagUnknown             ErrorCode = "MOL_004"
	ErrCodeObservationConflict     ErrorCode = "MOL_005"
	ErrCodeStateTransitionInvalid  ErrorCode = "MOL_006"
	ErrCodeDescriptorComputeFailed ErrorCode = "MOL_007"
	ErrCodeFingerprintFailed       ErrorCode = "MOL_008"
)

// Ingestion Error Codes
const (
	ErrCodeIngestFileTooLarge     ErrorCode = "ING_001"
	ErrCodeIngestRowLimitExceeded ErrorCode = "ING_002"
	ErrCodeIngestMappingInvalid   ErrorCode = "ING_003"
	ErrCodeIngestUploadNotFound   ErrorCode = "ING_004"
	ErrCodeIngestAlreadyCompleted ErrorCode = "ING_005"
	ErrCodeIngestSourceUnreadable ErrorCode = "ING_006"
)

// Prediction Coordination Error Codes
const (
	ErrCodeJobNotFound         ErrorCode = "PRD_001"
	ErrCodeJobAlreadyActive    ErrorCode = "PRD_002"
	ErrCodeJobStateInvalid     ErrorCode = "PRD_003"
	ErrCodePropertyUnsupported ErrorCode = "PRD_004"
)

// Query Error Codes
const (
	ErrCodeCursorInvalid              ErrorCode = "QRY_001"
	ErrCodeFilterInvalid              ErrorCode = "QRY_002"
	ErrCodeSimilarityThresholdInvalid ErrorCode = "QRY_003"
	ErrCodeSubstructureInvalid        ErrorCode = "QRY_004"
)

// Lifecycle Error Codes
const (
	ErrCodeEventUnknown       ErrorCode = "LCM_001"
	ErrCodeTransitionRejected ErrorCode = "LCM_002"
)

// ErrorCodeHTTPStatus maps ErrorCodes to HTTP status codes.
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeTooManyRequests:    http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeCancelled:          499, // client closed request
	ErrCodeSerialization:      http.StatusInternalServerError,
	ErrCodeDatabaseError:      http.StatusInternalServerError,
	ErrCodeCacheError:         http.StatusInternalServerError,
	ErrCodeExternalService:    http.StatusBadGateway,
	ErrCodeNotImplemented:     http.StatusNotImplemented,

	ErrCodeValidationSyntax:        http.StatusUnprocessableEntity,
	ErrCodeValidationChemistry:     http.StatusUnprocessableEntity,
	ErrCodeValidationRange:         http.StatusUnprocessableEntity,
	ErrCodeValidationMissingColumn: http.StatusBadRequest,
	ErrCodeValidationUnit:          http.StatusUnprocessableEntity,
	ErrCodeValidationType:          http.StatusUnprocessableEntity,
	ErrCodeValidationHeader:        http.StatusBadRequest,

	ErrCodeIdentityHashMismatch:    http.StatusConflict,
	ErrCodeIdentityConflict:        http.StatusConflict,
	ErrCodeIdentityVersionConflict: http.StatusConflict,

	ErrCodeTransientUnavailable: http.StatusServiceUnavailable,
	ErrCodeTransientTimeout:     http.StatusGatewayTimeout,
	ErrCodeTransientRateLimited: http.StatusTooManyRequests,
	ErrCodeTransientCircuitOpen: http.StatusServiceUnavailable,
	ErrCodeTransientStorage:     http.StatusServiceUnavailable,

	ErrCodePermanentPredictionFailed:    http.StatusBadGateway,
	ErrCodePermanentUnsupportedProperty: http.StatusBadRequest,
	ErrCodePermanentInputRejected:       http.StatusUnprocessableEntity,
	ErrCodePermanentRetriesExhausted:    http.StatusBadGateway,

	ErrCodePermissionDenied:  http.StatusForbidden,
	ErrCodePermissionExpired: http.StatusForbidden,

	ErrCodeMoleculeNotFound:        http.StatusNotFound,
	ErrCodeMoleculeInvalidSMILES:   http.StatusBadRequest,
	ErrCodeLibraryNotFound:         http.StatusNotFound,
	ErrCodeFlagUnknown:             http.StatusBadRequest,
	ErrCodeObservationConflict:     http.StatusConflict,
	ErrCodeStateTransitionInvalid:  http.StatusConflict,
	ErrCodeDescriptorComputeFailed: http.StatusInternalServerError,
	ErrCodeFingerprintFailed:       http.StatusInternalServerError,

	ErrCodeIngestFileTooLarge:     http.StatusRequestEntityTooLarge,
	ErrCodeIngestRowLimitExceeded: http.StatusRequestEntityTooLarge,
	ErrCodeIngestMappingInvalid:   http.StatusBadRequest,
	ErrCodeIngestUploadNotFound:   http.StatusNotFound,
	ErrCodeIngestAlreadyCompleted: http.StatusConflict,
	ErrCodeIngestSourceUnreadable: http.StatusBadGateway,

	ErrCodeJobNotFound:         http.StatusNotFound,
	ErrCodeJobAlreadyActive:    http.StatusConflict,
	ErrCodeJobStateInvalid:     http.StatusConflict,
	ErrCodePropertyUnsupported: http.StatusBadRequest,

	ErrCodeCursorInvalid:              http.StatusBadRequest,
	ErrCodeFilterInvalid:              http.StatusBadRequest,
	ErrCodeSimilarityThresholdInvalid: http.StatusBadRequest,
	ErrCodeSubstructureInvalid:        http.StatusBadRequest,

	ErrCodeEventUnknown:       http.StatusBadRequest,
	ErrCodeTransitionRejected: http.StatusConflict,
}

// ErrorCodeMessage maps ErrorCodes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal server error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeUnauthorized:       "unauthorized",
	ErrCodeForbidden:          "forbidden",
	ErrCodeNotFound:           "resource not found",
	ErrCodeConflict:           "resource conflict",
	ErrCodeTooManyRequests:    "too many requests",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeTimeout:            "request timeout",
	ErrCodeCancelled:          "operation cancelled",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeDatabaseError:      "database error",
	ErrCodeCacheError:         "cache error",
	ErrCodeExternalService:    "external service error",
	ErrCodeNotImplemented:     "not implemented",

	ErrCodeValidationSyntax:        "structure notation is not parseable",
	ErrCodeValidationChemistry:     "structure is chemically invalid",
	ErrCodeValidationRange:         "property value outside plausible range",
	ErrCodeValidationMissingColumn: "required column missing",
	ErrCodeValidationUnit:          "unit missing or not convertible",
	ErrCodeValidationType:          "value not parseable as declared type",
	ErrCodeValidationHeader:        "malformed header row",

	ErrCodeIdentityHashMismatch:    "content hash does not match canonical form",
	ErrCodeIdentityConflict:        "conflicting identity for the same content hash",
	ErrCodeIdentityVersionConflict: "record modified concurrently",

	ErrCodeTransientUnavailable: "upstream temporarily unavailable",
	ErrCodeTransientTimeout:     "upstream timed out",
	ErrCodeTransientRateLimited: "upstream rate limited",
	ErrCodeTransientCircuitOpen: "circuit breaker open",
	ErrCodeTransientStorage:     "storage temporarily unavailable",

	ErrCodePermanentPredictionFailed:    "prediction failed permanently",
	ErrCodePermanentUnsupportedProperty: "property not supported by predictor",
	ErrCodePermanentInputRejected:       "predictor rejected input",
	ErrCodePermanentRetriesExhausted:    "retry budget exhausted",

	ErrCodePermissionDenied:  "permission denied",
	ErrCodePermissionExpired: "authorization no longer valid",

	ErrCodeMoleculeNotFound:        "molecule not found",
	ErrCodeMoleculeInvalidSMILES:   "invalid SMILES format",
	ErrCodeLibraryNotFound:         "library not found",
	ErrCodeFlagUnknown:             "unknown flag",
	ErrCodeObservationConflict:     "conflicting property observation",
	ErrCodeStateTransitionInvalid:  "invalid lifecycle state transition",
	ErrCodeDescriptorComputeFailed: "descriptor computation failed",
	ErrCodeFingerprintFailed:       "fingerprint computation failed",

	ErrCodeIngestFileTooLarge:     "upload exceeds size limit",
	ErrCodeIngestRowLimitExceeded: "upload exceeds row limit",
	ErrCodeIngestMappingInvalid:   "invalid column mapping",
	ErrCodeIngestUploadNotFound:   "upload not found",
	ErrCodeIngestAlreadyCompleted: "upload already fully processed",
	ErrCodeIngestSourceUnreadable: "upload source unreadable",

	ErrCodeJobNotFound:         "prediction job not found",
	ErrCodeJobAlreadyActive:    "prediction job already active",
	ErrCodeJobStateInvalid:     "invalid prediction job state",
	ErrCodePropertyUnsupported: "property not registered",

	ErrCodeCursorInvalid:              "invalid pagination cursor",
	ErrCodeFilterInvalid:              "invalid filter expression",
	ErrCodeSimilarityThresholdInvalid: "invalid similarity threshold",
	ErrCodeSubstructureInvalid:        "invalid substructure pattern",

	ErrCodeEventUnknown:       "unknown lifecycle event",
	ErrCodeTransitionRejected: "lifecycle transition rejected",
}

// HTTPStatusForCode returns the HTTP status code for an ErrorCode.
func HTTPStatusForCode(code ErrorCode) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// CategoryForCode classifies an ErrorCode into its taxonomy category.
// Classification is by code prefix, with common codes mapped individually.
func CategoryForCode(code ErrorCode) Category {
	switch ModuleForCode(code) {
	case "VAL":
		return CategoryValidation
	case "IDN":
		return CategoryIdentity
	case "TRN":
		return CategoryTransient
	case "PRM":
		return CategoryPermanent
	case "AUTH":
		return CategoryPermission
	}
	switch code {
	case ErrCodeBadRequest, ErrCodeValidationSyntax, ErrCodeMoleculeInvalidSMILES,
		ErrCodeIngestMappingInvalid, ErrCodeCursorInvalid, ErrCodeFilterInvalid,
		ErrCodeSimilarityThresholdInvalid, ErrCodeSubstructureInvalid:
		return CategoryValidation
	case ErrCodeUnauthorized, ErrCodeForbidden:
		return CategoryPermission
	case ErrCodeCancelled:
		return CategoryCancelled
	case ErrCodeTimeout, ErrCodeServiceUnavailable, ErrCodeTooManyRequests,
		ErrCodeDatabaseError, ErrCodeCacheError, ErrCodeExternalService:
		return CategoryTransient
	case ErrCodeIdentityHashMismatch, ErrCodeIdentityConflict, ErrCodeIdentityVersionConflict:
		return CategoryIdentity
	}
	return CategoryInternal
}

// IsClientError returns true if the ErrorCode corresponds to a 4xx HTTP status.
func IsClientError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 400 && status < 500
}

// IsServerError returns true if the ErrorCode corresponds to a 5xx HTTP status.
func IsServerError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 500 && status < 600
}

// ModuleForCode returns the module prefix of an ErrorCode.
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
