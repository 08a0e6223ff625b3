package httpapi

import (
	"encoding/json"
	"net/http"
)

// result is the {code, message, success} envelope §4.1 specifies for Submit;
// reused for every other handler so callers get one consistent shape.
type result struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Success bool   `json:"success"`
}

func writeResult(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, result{Code: status, Message: message, Success: status < 400})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeResult(w, statusFor(err), err.Error())
}
