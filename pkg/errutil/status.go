package errutil

type CoreStatus string

const (
	StatusUnknown              CoreStatus = "unknown"
	StatusBadRequest           CoreStatus = "bad_request"
	StatusValidationFailed     CoreStatus = "validation_failed"
	StatusUnauthorized         CoreStatus = "unauthorized"
	StatusForbidden            CoreStatus = "forbidden"
	StatusNotFound             CoreStatus = "not_found"
	StatusConflict             CoreStatus = "conflict"
	StatusUnprocessableEntity  CoreStatus = "unprocessable_entity"
	StatusUnsupportedMediaType CoreStatus = "unsupported_media_type"
	StatusTooManyRequests      CoreStatus = "too_many_requests"
	StatusClientClosedRequest  CoreStatus = "client_closed_request"
	StatusInternal             CoreStatus = "internal"
	StatusNotImplemented       CoreStatus = "not_implemented"
	StatusBadGateway           CoreStatus = "bad_gateway"
	StatusServiceUnavailable   CoreStatus = "service_unavailable"
	StatusTimeout              CoreStatus = "timeout"
	StatusGatewayTimeout       CoreStatus = "gateway_timeout"
)

// Retryable reports whether an operation failing with this status may be
// attempted again without changing its input.
func (s CoreStatus) Retryable() bool {
	switch s {
	case StatusInternal, StatusTimeout, StatusGatewayTimeout, StatusServiceUnavailable, StatusBadGateway:
		return true
	default:
		return false
	}
}

// Validation reports whether the status belongs to the class of errors that
// are rejected before any mutation.
func (s CoreStatus) Validation() bool {
	switch s {
	case StatusBadRequest, StatusValidationFailed, StatusNotFound, StatusConflict,
		StatusUnprocessableEntity, StatusForbidden:
		return true
	default:
		return false
	}
}
