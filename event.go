package liveview

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// eventMessage is the wire shape of an "event" channel message.
type eventMessage struct {
	Type  string          `json:"type"`  // "form", "click", "keyup", ...
	Event string          `json:"event"` // handler name declared in markup
	Value json.RawMessage `json:"value"` // form-encoded string or JSON object
	CID   int             `json:"cid,omitempty"`
}

// EventPayload carries a decoded user event. Form events arrive url-encoded
// and are expanded into nested maps; other event types carry a plain JSON
// object. Target is set for form change events and names the input that
// triggered the event as an ordered path of key segments.
type EventPayload struct {
	Type   string
	Target []string

	raw   map[string]interface{}
	bytes []byte // cached JSON for binding
}

func newEventPayload(eventType string, value map[string]interface{}) *EventPayload {
	if value == nil {
		value = make(map[string]interface{})
	}
	return &EventPayload{Type: eventType, raw: value}
}

// decodeEventPayload parses the value of an event message. A "form" event's
// value is a url-encoded string; everything else is a JSON object.
func decodeEventPayload(msg eventMessage) (*EventPayload, error) {
	if msg.Type == "form" {
		var encoded string
		if err := json.Unmarshal(msg.Value, &encoded); err != nil {
			return nil, fmt.Errorf("form event value is not a string: %w", err)
		}
		return decodeFormPayload(encoded)
	}

	var value map[string]interface{}
	if len(msg.Value) > 0 {
		if err := json.Unmarshal(msg.Value, &value); err != nil {
			return nil, fmt.Errorf("failed to parse event value: %w", err)
		}
	}
	return newEventPayload(msg.Type, value), nil
}

// decodeFormPayload parses a url-encoded form body into nested maps. Keys
// like "user[name]" nest under "user"; the reserved "_target" key names the
// input that changed and is expanded into its key path.
func decodeFormPayload(encoded string) (*EventPayload, error) {
	values, err := url.ParseQuery(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to parse form data: %w", err)
	}

	p := newEventPayload("form", nil)
	for key, vals := range values {
		v := ""
		if len(vals) > 0 {
			v = vals[len(vals)-1]
		}
		if key == "_target" {
			p.Target = expandTarget(v)
			continue
		}
		assignNested(p.raw, parseNestedKey(key), v)
	}
	return p, nil
}

// parseNestedKey splits "user[address][city]" into ["user", "address", "city"].
// A bare key yields a single segment.
func parseNestedKey(key string) []string {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		return []string{key}
	}
	segments := []string{key[:open]}
	rest := key[open:]
	for len(rest) > 0 {
		if rest[0] != '[' {
			// Trailing garbage is kept as a literal segment.
			segments = append(segments, rest)
			break
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			segments = append(segments, rest[1:])
			break
		}
		segments = append(segments, rest[1:end])
		rest = rest[end+1:]
	}
	return segments
}

// expandTarget turns an encoded target key into the ordered list of key
// segments identifying the changed input.
func expandTarget(target string) []string {
	if target == "" {
		return nil
	}
	return parseNestedKey(target)
}

func assignNested(m map[string]interface{}, segments []string, value string) {
	for i, seg := range segments {
		if i == len(segments)-1 {
			m[seg] = value
			return
		}
		child, ok := m[seg].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			m[seg] = child
		}
		m = child
	}
}

// Bind unmarshals the payload into a struct.
func (p *EventPayload) Bind(v interface{}) error {
	if p.bytes == nil {
		var err error
		p.bytes, err = json.Marshal(p.raw)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
	}
	return json.Unmarshal(p.bytes, v)
}

// BindAndValidate binds the payload to a struct and validates it in one step.
func (p *EventPayload) BindAndValidate(v interface{}, validate *validator.Validate) error {
	if err := p.Bind(v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return ValidationToMultiError(err)
	}
	return nil
}

// Raw returns the underlying map for direct access.
func (p *EventPayload) Raw() map[string]interface{} { return p.raw }

// GetString extracts a string value.
func (p *EventPayload) GetString(key string) string {
	if v, ok := p.raw[key].(string); ok {
		return v
	}
	return ""
}

// GetInt extracts an int value (JSON numbers are float64).
func (p *EventPayload) GetInt(key string) int {
	switch v := p.raw[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// GetBool extracts a bool value.
func (p *EventPayload) GetBool(key string) bool {
	if v, ok := p.raw[key].(bool); ok {
		return v
	}
	return false
}

// Has checks if a key exists.
func (p *EventPayload) Has(key string) bool {
	_, exists := p.raw[key]
	return exists
}

// Get returns the raw value for a key.
func (p *EventPayload) Get(key string) interface{} { return p.raw[key] }

// FieldError describes a validation error for a specific field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiError is a collection of field errors.
type MultiError []FieldError

func (m MultiError) Error() string {
	if len(m) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range m {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidationToMultiError converts go-playground/validator errors to MultiError.
func ValidationToMultiError(err error) MultiError {
	var fieldErrors MultiError

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fieldErrors
	}

	for _, e := range validationErrs {
		fieldName := strings.ToLower(e.Field())

		var message string
		switch e.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", e.Field())
		case "min":
			message = fmt.Sprintf("%s must be at least %s characters", e.Field(), e.Param())
		case "max":
			message = fmt.Sprintf("%s must be at most %s characters", e.Field(), e.Param())
		case "email":
			message = fmt.Sprintf("%s must be a valid email", e.Field())
		default:
			message = fmt.Sprintf("%s is invalid", e.Field())
		}

		fieldErrors = append(fieldErrors, FieldError{Field: fieldName, Message: message})
	}

	return fieldErrors
}
