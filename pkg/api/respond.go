package api

import (
	"encoding/json"
	"net/http"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
)

// dataEnvelope wraps every successful JSON response.
type dataEnvelope struct {
	Data any `json:"data"`
}

// errorEnvelope wraps every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(dataEnvelope{Data: data})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	ae := apierr.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status())
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorBody{Type: string(ae.Type), Message: ae.Message},
	})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.Validation("invalid JSON body: %v", err)
	}
	return nil
}
