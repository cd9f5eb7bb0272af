package receiver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

// Envelope is the canonical form of an inbound event, whatever field names
// the sender used.
type Envelope struct {
	ID        string
	Type      models.EventType
	Data      map[string]any
	SessionID string
}

var (
	idKeys        = []string{"id", "event_id", "eventId"}
	typeKeys      = []string{"type", "event", "event_type", "eventType"}
	dataKeys      = []string{"data", "payload", "object"}
	sessionIDKeys = []string{"session_id", "sessionId", "id"}
)

// Normalize maps a raw event body onto Envelope.
func Normalize(raw []byte) (*Envelope, error) {
	var body map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "event body must be a JSON object")
	}

	id := firstString(body, idKeys)
	if id == "" {
		return nil, apperr.New(apperr.CodeValidation, "event id is required").
			WithDetails(map[string]string{"id": "is required"})
	}
	rawType := firstString(body, typeKeys)
	eventType, err := models.ParseEventType(rawType)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "unsupported event type").
			WithDetails(map[string]string{"type": fmt.Sprintf("unsupported value %q", rawType)})
	}

	data := map[string]any{}
	for _, key := range dataKeys {
		if v, ok := body[key].(map[string]any); ok {
			data = v
			break
		}
	}
	return &Envelope{
		ID:        id,
		Type:      eventType,
		Data:      data,
		SessionID: firstString(data, sessionIDKeys),
	}, nil
}

func firstString(m map[string]any, keys []string) string {
	for _, key := range keys {
		if v := stringValue(m[key]); v != "" {
			return v
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func (e *Envelope) str(keys ...string) string {
	return firstString(e.Data, keys)
}

func (e *Envelope) metadata() map[string]any {
	if m, ok := e.Data["metadata"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
