// Package web has the small helpers every JSON handler uses.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/xxuejie/go-delta-docs/errs"
)

// ErrorBody is how every failed request is answered.
type ErrorBody struct {
	Message string `json:"message"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Message: message})
}

// RespondErr picks the status from err's class and the message from the
// first errs.Error in its chain.
func RespondErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	RespondError(w, status, errs.UserMessage(err, http.StatusText(status)))
}

// DecodeJSON reads the request body into v. A malformed body is a
// validation error.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &errs.Error{Message: "Invalid request payload", Err: errs.ErrValidation}
	}
	return nil
}
