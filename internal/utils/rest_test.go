package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondWithErrorCode(t *testing.T) {
	w := httptest.NewRecorder()
	RespondWithErrorCode(w, http.StatusPaymentRequired, "insufficient_funds", "balance too low")

	var response ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Code != "insufficient_funds" {
		t.Errorf("RespondWithErrorCode() code = %s, want insufficient_funds", response.Code)
	}
}

func TestRespondWithJSON(t *testing.T) {
	w := httptest.NewRecorder()

	payload := map[string]any{"balance": 400}
	if err := RespondWithJSON(w, http.StatusOK, payload); err != nil {
		t.Errorf("RespondWithJSON() error = %v, want nil", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("RespondWithJSON() Content-Type = %s, want application/json", ct)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if int(response["balance"].(float64)) != 400 {
		t.Errorf("RespondWithJSON() balance = %v, want 400", response["balance"])
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Reason string `json:"reason"`
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"valid", `{"reason":"client_left"}`, "client_left", false},
		{"empty body", ``, "", false},
		{"unknown field", `{"why":"x"}`, "", true},
		{"malformed", `{"reason":`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.input))
			var b body
			err := DecodeJSON(r, &b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if b.Reason != tt.want {
				t.Errorf("DecodeJSON() reason = %q, want %q", b.Reason, tt.want)
			}
		})
	}
}
