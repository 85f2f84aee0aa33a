package errutil

import "errors"

type CoreStatus string

const (
	StatusBadRequest          CoreStatus = "bad_request"
	StatusNotFound            CoreStatus = "not_found"
	StatusConflict            CoreStatus = "conflict"
	StatusUnprocessableEntity CoreStatus = "unprocessable_entity"
	StatusValidationFailed    CoreStatus = "validation_failed"
	StatusUnknown             CoreStatus = "unknown"
)

// StatusOf returns the CoreStatus carried by err, or StatusUnknown.
func StatusOf(err error) CoreStatus {
	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return coder.Status()
	}
	return StatusUnknown
}

// Is reports whether err carries the given CoreStatus anywhere in its chain.
func Is(err error, code CoreStatus) bool {
	return err != nil && StatusOf(err) == code
}
