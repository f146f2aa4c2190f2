// ABOUTME: Business handler contract and the error type handlers use to pick a status code
// ABOUTME: Also holds the shared JSON error writer used by every HTTP surface

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
)

// Handler is the business function bound to a declared endpoint. GET handlers
// receive a nil input; POST handlers receive the decoded request body.
//
// The returned value must be a string, a []byte, or structured data (map, slice,
// struct) that can be marshaled to JSON.
type Handler func(ctx context.Context, input any) (any, error)

// Error lets a handler choose the response status. Any other error becomes a 500.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError returns an *Error with the given status and message.
func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// WriteError writes {"error": message} with the given status.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
