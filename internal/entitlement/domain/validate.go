package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

var requiredKeys = []string{
	"id",
	"userId",
	"credits",
	"tokensUsed",
	"plan",
	"status",
	"createdAt",
	"updatedAt",
}

var knownKeys = map[string]struct{}{
	"id":                {},
	"userId":            {},
	"credits":           {},
	"tokensUsed":        {},
	"plan":              {},
	"status":            {},
	"cancelAtPeriodEnd": {},
	"expirationDate":    {},
	"createdAt":         {},
	"updatedAt":         {},
	"metadata":          {},
}

var (
	validateOnce sync.Once
	structRules  *validator.Validate
)

func rules() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		custom := map[string]validator.Func{
			"plan": func(fl validator.FieldLevel) bool {
				return Plan(fl.Field().String()).Valid()
			},
			"status": func(fl validator.FieldLevel) bool {
				return Status(fl.Field().String()).Valid()
			},
			"event_type": func(fl validator.FieldLevel) bool {
				return BillingEventType(fl.Field().String()).Valid()
			},
		}
		for tag, fn := range custom {
			if err := v.RegisterValidation(tag, fn); err != nil {
				panic(fmt.Sprintf("entitlement: register %q validation: %v", tag, err))
			}
		}
		structRules = v
	})
	return structRules
}

// ValidateRecord checks a typed record against the entitlement schema.
func ValidateRecord(r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return NewValidationError("id", ErrMissingField, "id is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return NewValidationError("userId", ErrMissingField, "userId is required")
	}

	return fieldError(rules().Struct(r))
}

// ValidateBillingEvent checks the envelope and any typed fields it carries.
func ValidateBillingEvent(evt BillingEvent) error {
	if strings.TrimSpace(evt.UserID) == "" {
		return NewValidationError("user_id", ErrInvalidUser, "user_id is required")
	}
	if !evt.Type.Valid() {
		return NewValidationError("type", ErrInvalidEventType, fmt.Sprintf("unknown event type %q", evt.Type))
	}
	return fieldError(rules().Struct(evt))
}

func fieldError(err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return NewValidationError("", nil, err.Error())
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "plan":
		return NewValidationError(fe.Field(), ErrInvalidPlan, fmt.Sprintf("unknown plan %q", fe.Value()))
	case "status":
		return NewValidationError(fe.Field(), ErrInvalidStatus, fmt.Sprintf("unknown status %q", fe.Value()))
	case "event_type":
		return NewValidationError(fe.Field(), ErrInvalidEventType, fmt.Sprintf("unknown event type %q", fe.Value()))
	case "required":
		return NewValidationError(fe.Field(), ErrMissingField, fe.Field()+" is required")
	default:
		return NewValidationError(fe.Field(), nil, fe.Error())
	}
}

// Validate turns an arbitrary value into a Record or rejects it. Accepted
// inputs are Record, *Record, map[string]any and JSON documents.
func Validate(raw any) (Record, error) {
	switch v := raw.(type) {
	case Record:
		if err := ValidateRecord(v); err != nil {
			return Record{}, err
		}
		return v.Clone(), nil
	case *Record:
		if v == nil {
			return Record{}, NewValidationError("", nil, "record is nil")
		}
		return Validate(*v)
	case map[string]any:
		return decodeMap(v)
	case json.RawMessage:
		return decodeJSON(v)
	case []byte:
		return decodeJSON(v)
	case nil:
		return Record{}, NewValidationError("", nil, "record is nil")
	default:
		return Record{}, NewValidationError("", nil, fmt.Sprintf("unsupported record type %T", raw))
	}
}

func decodeJSON(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return Record{}, NewValidationError("", nil, "malformed json: "+err.Error())
	}
	if m == nil {
		return Record{}, NewValidationError("", nil, "record is null")
	}
	return decodeMap(m)
}

func decodeMap(raw map[string]any) (Record, error) {
	m, err := normalizeKeys(raw)
	if err != nil {
		return Record{}, err
	}

	for key := range m {
		if _, ok := knownKeys[key]; !ok {
			return Record{}, NewValidationError(key, ErrUnknownField, "unknown field "+key)
		}
	}
	for _, key := range requiredKeys {
		if value, ok := m[key]; !ok || value == nil {
			return Record{}, NewValidationError(key, ErrMissingField, key+" is required")
		}
	}
	if md, ok := m["metadata"].(map[string]any); ok {
		if m["metadata"], err = normalizeKeys(md); err != nil {
			return Record{}, err
		}
	}

	var out Record
	meta := &mapstructure.Metadata{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &out,
		Metadata:    meta,
		ErrorUnused: true,
		TagName:     "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			integralNumberHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return Record{}, err
	}
	if err := decoder.Decode(m); err != nil {
		return Record{}, NewValidationError("", nil, err.Error())
	}

	if err := ValidateRecord(out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// integralNumberHook rejects fractional numbers for integer fields instead of
// truncating them.
func integralNumberHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Int64 {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		if math.Trunc(v) != v || math.IsInf(v, 0) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	case float32:
		f := float64(v)
		if math.Trunc(f) != f || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(f), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %s", v.String())
		}
		return n, nil
	}
	return data, nil
}

// normalizeKeys rewrites snake_case keys to camelCase. Two raw keys that
// land on the same name are rejected instead of one silently winning.
func normalizeKeys(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	seen := make(map[string]string, len(in))
	for key, value := range in {
		name := snakeToCamel(key)
		if prev, dup := seen[name]; dup {
			first, second := prev, key
			if second < first {
				first, second = second, first
			}
			return nil, NewValidationError(name, ErrDuplicateField,
				fmt.Sprintf("%s and %s name the same field", first, second))
		}
		seen[name] = key
		out[name] = value
	}
	return out, nil
}

func snakeToCamel(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	parts := strings.Split(key, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}
