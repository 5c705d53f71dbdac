package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/pkg/schema"
)

// handleStripeWebhook receives a Stripe event and starts the workflow named
// by ?workflowId=. The raw event is seeded into the run context under the
// "stripe" key. The Stripe event ID doubles as the triggering event ID, so
// webhook re-delivery never starts a second run.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflowId")
	if workflowID == "" {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "workflowId query parameter is required"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "read webhook body").WithCause(err))
		return
	}

	if s.deps.StripeWebhookSecret != "" {
		if err := verifyStripeSignature(r.Header.Get("Stripe-Signature"), body, s.deps.StripeWebhookSecret); err != nil {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "webhook body is not JSON").WithCause(err))
		return
	}

	eventID, _ := payload["id"].(string)
	if eventID == "" {
		eventID = uuid.New().String()
	}

	s.startRun(w, r, schema.TriggerEvent{
		WorkflowID:  workflowID,
		EventID:     eventID,
		InitialData: schema.Context{"stripe": payload},
	})
}

// handleGoogleFormWebhook receives a form submission and seeds it under the
// "googleForm" key.
func (s *Server) handleGoogleFormWebhook(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflowId")
	if workflowID == "" {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "workflowId query parameter is required"))
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "webhook body is not JSON").WithCause(err))
		return
	}

	eventID, _ := payload["responseId"].(string)
	if eventID == "" {
		eventID = uuid.New().String()
	}

	s.startRun(w, r, schema.TriggerEvent{
		WorkflowID:  workflowID,
		EventID:     eventID,
		InitialData: schema.Context{"googleForm": payload},
	})
}

// verifyStripeSignature checks a "Stripe-Signature: t=<ts>,v1=<hex>" header.
// The signed payload is "<ts>.<body>" under HMAC-SHA256.
func verifyStripeSignature(header string, body []byte, secret string) error {
	if header == "" {
		return schema.NewError(schema.ErrCodeValidation, "missing Stripe-Signature header")
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "malformed Stripe-Signature header")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return schema.NewError(schema.ErrCodeValidation, "signature verification failed")
}
