package errutil

import (
	"fmt"
)

type BaseError struct {
	Code    CoreStatus
	Message string
	Err     error
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func newWithErr(code CoreStatus, msg string, err error) error {
	return BaseError{Code: code, Message: msg, Err: err}
}

func NotFound(msg string, err error) error {
	return newWithErr(StatusNotFound, msg, err)
}

func UnprocessableEntity(msg string, err error) error {
	return newWithErr(StatusUnprocessableEntity, msg, err)
}

func Conflict(msg string, err error) error {
	return newWithErr(StatusConflict, msg, err)
}

func BadRequest(msg string, err error) error {
	return newWithErr(StatusBadRequest, msg, err)
}

func ValidationFailed(msg string, err error) error {
	return newWithErr(StatusValidationFailed, msg, err)
}
