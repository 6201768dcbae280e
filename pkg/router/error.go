package router

import (
	"encoding/json"
	"io"
	"net/http"
)

type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is rendered as the failure envelope {"success": false, "message": ...}.
type JsonError struct {
	Code    int    `json:"-"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewJsonError(code int, message string) JsonError {
	return JsonError{
		Code:    code,
		Message: message,
	}
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Message
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
