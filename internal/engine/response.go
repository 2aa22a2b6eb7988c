package engine

import (
	"time"

	"openviking/internal/verrors"
)

// Envelope is the uniform operation result the HTTP collaborator serialises:
// {status: "ok", result, time_ms} or {status: "error", error: {code, message}}.
type Envelope struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
	TimeMS float64     `json:"time_ms"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries the taxonomy code and message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Wrap folds an operation outcome into the wire envelope.
func Wrap(result interface{}, err error, start time.Time) Envelope {
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return Envelope{
			Status: "error",
			TimeMS: elapsed,
			Error: &ErrorBody{
				Code:    string(verrors.CodeOf(err)),
				Message: err.Error(),
			},
		}
	}
	return Envelope{Status: "ok", Result: result, TimeMS: elapsed}
}
