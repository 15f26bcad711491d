package liveview

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestParseNestedKey(t *testing.T) {
	tests := []struct {
		key  string
		want []string
	}{
		{"name", []string{"name"}},
		{"user[name]", []string{"user", "name"}},
		{"user[address][city]", []string{"user", "address", "city"}},
		{"user[]", []string{"user", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := parseNestedKey(tt.key); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseNestedKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestDecodeFormPayload(t *testing.T) {
	p, err := decodeFormPayload("user%5Bname%5D=ada&user%5Bemail%5D=ada%40example.com&plan=pro")
	if err != nil {
		t.Fatalf("decodeFormPayload: %v", err)
	}
	user, ok := p.Get("user").(map[string]interface{})
	if !ok {
		t.Fatalf("user = %T, want nested map", p.Get("user"))
	}
	if user["name"] != "ada" || user["email"] != "ada@example.com" {
		t.Errorf("user = %v", user)
	}
	if p.GetString("plan") != "pro" {
		t.Errorf("plan = %q", p.GetString("plan"))
	}
}

func TestDecodeFormPayloadTarget(t *testing.T) {
	p, err := decodeFormPayload("_target=user%5Bemail%5D&user%5Bemail%5D=a%40b.c")
	if err != nil {
		t.Fatalf("decodeFormPayload: %v", err)
	}
	want := []string{"user", "email"}
	if !reflect.DeepEqual(p.Target, want) {
		t.Errorf("Target = %v, want %v", p.Target, want)
	}
	if p.Has("_target") {
		t.Error("_target leaked into the payload values")
	}
}

func TestDecodeEventPayloadJSON(t *testing.T) {
	msg := eventMessage{
		Type:  "click",
		Event: "vote",
		Value: json.RawMessage(`{"id": 7, "up": true, "tag": "go"}`),
	}
	p, err := decodeEventPayload(msg)
	if err != nil {
		t.Fatalf("decodeEventPayload: %v", err)
	}
	if p.Type != "click" {
		t.Errorf("Type = %q", p.Type)
	}
	if p.GetInt("id") != 7 || !p.GetBool("up") || p.GetString("tag") != "go" {
		t.Errorf("payload values = %v", p.Raw())
	}
	if p.GetInt("missing") != 0 || p.GetString("missing") != "" || p.GetBool("missing") {
		t.Error("missing keys should decode to zero values")
	}
}

func TestDecodeEventPayloadFormValueMustBeString(t *testing.T) {
	msg := eventMessage{Type: "form", Value: json.RawMessage(`{"not": "a string"}`)}
	if _, err := decodeEventPayload(msg); err == nil {
		t.Error("form event with non-string value should fail to decode")
	}
}

func TestDecodeEventPayloadEmptyValue(t *testing.T) {
	p, err := decodeEventPayload(eventMessage{Type: "click", Event: "ping"})
	if err != nil {
		t.Fatalf("decodeEventPayload: %v", err)
	}
	if len(p.Raw()) != 0 {
		t.Errorf("empty value payload = %v", p.Raw())
	}
}

func TestBind(t *testing.T) {
	p, err := decodeFormPayload("name=ada&email=ada%40example.com")
	if err != nil {
		t.Fatalf("decodeFormPayload: %v", err)
	}
	var form struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := p.Bind(&form); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if form.Name != "ada" || form.Email != "ada@example.com" {
		t.Errorf("bound form = %+v", form)
	}
}

func TestBindAndValidate(t *testing.T) {
	validate := validator.New()
	p, err := decodeFormPayload("name=&email=not-an-email")
	if err != nil {
		t.Fatalf("decodeFormPayload: %v", err)
	}
	var form struct {
		Name  string `json:"name" validate:"required"`
		Email string `json:"email" validate:"required,email"`
	}
	err = p.BindAndValidate(&form, validate)
	if err == nil {
		t.Fatal("invalid form passed validation")
	}
	var multi MultiError
	if !errors.As(err, &multi) {
		t.Fatalf("err = %T, want MultiError", err)
	}
	fields := make(map[string]string, len(multi))
	for _, fe := range multi {
		fields[fe.Field] = fe.Message
	}
	if _, ok := fields["name"]; !ok {
		t.Errorf("missing required-name error: %v", multi)
	}
	if _, ok := fields["email"]; !ok {
		t.Errorf("missing email-format error: %v", multi)
	}

	p, err = decodeFormPayload("name=ada&email=ada%40example.com")
	if err != nil {
		t.Fatalf("decodeFormPayload: %v", err)
	}
	if err := p.BindAndValidate(&form, validate); err != nil {
		t.Errorf("valid form failed validation: %v", err)
	}
}

func TestMultiErrorMessage(t *testing.T) {
	m := MultiError{
		{Field: "name", Message: "Name is required"},
		{Field: "email", Message: "Email must be a valid email"},
	}
	want := "name: Name is required; email: Email must be a valid email"
	if m.Error() != want {
		t.Errorf("Error() = %q, want %q", m.Error(), want)
	}
	if (MultiError{}).Error() != "" {
		t.Error("empty MultiError should render as empty string")
	}
}
