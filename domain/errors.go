package domain

import (
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeNotFound        = "NOT_FOUND"
	TextCodeMissingParam    = "MISSING_PARAM"
	TextCodeInvalidParam    = "INVALID_PARAM"
	TextCodeVerification    = "SIGNATURE_VERIFICATION"
	TextCodeDeliveryFailed  = "DELIVERY_FAILED"
	TextCodeMigrationLocked = "MIGRATION_LOCKED"
)

// MetadataParam names the offending field of a validation error.
const MetadataParam = "param"

func NotFound(format string, args ...interface{}) error {
	return goerrors.New(fmt.Sprintf(format, args...), goerrors.CategoryNotFound).
		WithCode(goerrors.CodeNotFound).
		WithTextCode(TextCodeNotFound)
}

// MissingParam is a ValidationError for an absent required field.
func MissingParam(param string) error {
	return goerrors.New(fmt.Sprintf("missing parameter: %s", param), goerrors.CategoryValidation).
		WithCode(goerrors.CodeBadRequest).
		WithTextCode(TextCodeMissingParam).
		WithMetadata(map[string]any{MetadataParam: param})
}

// InvalidParam is a ValidationError for a field that is present but malformed.
func InvalidParam(param, reason string) error {
	return goerrors.New(fmt.Sprintf("invalid parameter %s: %s", param, reason), goerrors.CategoryValidation).
		WithCode(goerrors.CodeBadRequest).
		WithTextCode(TextCodeInvalidParam).
		WithMetadata(map[string]any{MetadataParam: param})
}

// VerificationFailed is returned for every signature problem. Receivers never retry it.
func VerificationFailed(err error, reason string) error {
	if err == nil {
		err = errors.New(reason)
	}
	return goerrors.Wrap(err, goerrors.CategoryAuthz, reason).
		WithCode(http.StatusUnauthorized).
		WithTextCode(TextCodeVerification)
}

// DeliveryFailed wraps an outbound POST failure. It stays inside the delivery worker.
func DeliveryFailed(err error, inbox string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, fmt.Sprintf("delivery to %s failed", inbox)).
		WithCode(http.StatusBadGateway).
		WithTextCode(TextCodeDeliveryFailed).
		WithMetadata(map[string]any{"inbox": inbox})
}

// MigrationLocked is transient: callers defer the operation and try again later.
func MigrationLocked(name string) error {
	return goerrors.New(fmt.Sprintf("migration lock %q is held", name), goerrors.CategoryInternal).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(TextCodeMigrationLocked)
}

func hasTextCode(err error, code string) bool {
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.TextCode == code
}

func IsNotFound(err error) bool        { return hasTextCode(err, TextCodeNotFound) }
func IsVerification(err error) bool    { return hasTextCode(err, TextCodeVerification) }
func IsMigrationLocked(err error) bool { return hasTextCode(err, TextCodeMigrationLocked) }

func IsValidation(err error) bool {
	return hasTextCode(err, TextCodeMissingParam) || hasTextCode(err, TextCodeInvalidParam)
}

// StatusCode maps an error to the HTTP status it surfaces as.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Code != 0 {
		return int(richErr.Code)
	}
	return http.StatusInternalServerError
}

// ErrorBody is the JSON error document returned by the HTTP surface.
type ErrorBody struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Data    ErrorBodyData `json:"data"`
}

type ErrorBodyData struct {
	Status int      `json:"status"`
	Params []string `json:"params,omitempty"`
}

func NewErrorBody(err error) ErrorBody {
	body := ErrorBody{
		Code:    "INTERNAL",
		Message: err.Error(),
		Data:    ErrorBodyData{Status: StatusCode(err)},
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.TextCode != "" {
			body.Code = richErr.TextCode
		}
		if richErr.Message != "" {
			body.Message = richErr.Message
		}
		if p, ok := richErr.Metadata[MetadataParam].(string); ok {
			body.Data.Params = []string{p}
		}
	}
	return body
}
