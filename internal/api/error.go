package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/putto11262002/chatsync/core"
)

// apiError is the error body of the chat server. Validation failures carry
// a list of messages instead of a single one.
type apiError struct {
	StatusCode int             `json:"statusCode"`
	Message    json.RawMessage `json:"message"`
	Error      string          `json:"error"`
}

func (e apiError) message() string {
	var single string
	if err := json.Unmarshal(e.Message, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(e.Message, &many); err == nil {
		return strings.Join(many, "; ")
	}
	return ""
}

// decodeServerError reads the error body of a failed response.
// Bodies that are not json fall back to the status text.
func decodeServerError(res *http.Response) *core.ServerError {
	serverErr := &core.ServerError{
		StatusCode: res.StatusCode,
		Message:    http.StatusText(res.StatusCode),
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if err != nil || len(body) == 0 {
		return serverErr
	}
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		return serverErr
	}
	if msg := e.message(); msg != "" {
		serverErr.Message = msg
	}
	serverErr.Reason = e.Error
	return serverErr
}
