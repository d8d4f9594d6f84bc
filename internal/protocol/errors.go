package protocol

import "fmt"

// GatewayError is the error object carried on failed responses.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewGatewayError(code string, err error) *GatewayError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &GatewayError{Code: code, Message: msg}
}
