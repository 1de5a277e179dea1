// Package cerr defines the logical error kinds the coordinator core
// surfaces to callers, per the error-handling design: NOT_FOUND,
// INVALID_INPUT, ROUND_COMPLETED, NO_ACTIVE_ROUND, and webhook failure
// reasons. Each carries a machine-readable code and a short
// Chinese-language message suitable for direct display.
package cerr

import "errors"

// Code is a machine-readable error classification.
type Code string

const (
	CodeNotFound       Code = "NOT_FOUND"
	CodeInvalidInput   Code = "INVALID_INPUT"
	CodeRoundCompleted Code = "ROUND_COMPLETED"
	CodeNoActiveRound  Code = "NO_ACTIVE_ROUND"
	CodeRoundUnavail   Code = "ROUND_UNAVAILABLE"

	CodeNoWebhook         Code = "NO_WEBHOOK"
	CodeReportingDisabled Code = "REPORTING_DISABLED"
	CodeInFlight          Code = "IN_FLIGHT"
	CodeWebhookHTTPError  Code = "HTTP_ERROR"
	CodeWebhookException  Code = "EXCEPTION"
)

// CoordinatorError is the concrete error type returned by the core.
type CoordinatorError struct {
	Code    Code
	Message string
	Status  int // HTTP status, only meaningful for CodeWebhookHTTPError
	err     error
}

func (e *CoordinatorError) Error() string {
	if e.err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *CoordinatorError) Unwrap() error { return e.err }

// As reports whether target is a *CoordinatorError, populating it.
func As(err error, target **CoordinatorError) bool {
	return errors.As(err, target)
}

func NotFound(msg string) error {
	if msg == "" {
		msg = "未找到指定的任务或轮次"
	}
	return &CoordinatorError{Code: CodeNotFound, Message: msg}
}

func InvalidInput(msg string) error {
	return &CoordinatorError{Code: CodeInvalidInput, Message: msg}
}

func RoundCompleted(msg string) error {
	if msg == "" {
		msg = "该轮次已完成，无法激活"
	}
	return &CoordinatorError{Code: CodeRoundCompleted, Message: msg}
}

func NoActiveRound(msg string) error {
	if msg == "" {
		msg = "当前没有激活的轮次"
	}
	return &CoordinatorError{Code: CodeNoActiveRound, Message: msg}
}

func RoundUnavailable(msg string, wrapped error) error {
	if msg == "" {
		msg = "轮次数据暂时不可用"
	}
	return &CoordinatorError{Code: CodeRoundUnavail, Message: msg, err: wrapped}
}

// WebhookFailure builds the structured reason the manual trigger
// operation returns, per spec §4.4/§7.
func WebhookFailure(code Code, msg string, status int, wrapped error) error {
	return &CoordinatorError{Code: code, Message: msg, Status: status, err: wrapped}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
