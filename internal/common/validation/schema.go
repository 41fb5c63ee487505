package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Schema is a compiled JSON schema safe for concurrent use.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// Compile parses a JSON schema document.
func Compile(name string, schemaJSON []byte) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustCompile is Compile for schemas embedded at build time.
func MustCompile(name string, schemaJSON []byte) *Schema {
	s, err := Compile(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string { return s.name }

// Validate checks a decoded document (maps, slices, scalars) or any value
// that marshals to JSON.
func (s *Schema) Validate(doc interface{}) (*ValidationResult, error) {
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", s.name, err)
	}
	return toResult(result), nil
}

// ValidateBytes checks a raw JSON document.
func (s *Schema) ValidateBytes(doc []byte) (*ValidationResult, error) {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", s.name, err)
	}
	return toResult(result), nil
}

func toResult(result *gojsonschema.Result) *ValidationResult {
	out := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   desc.Field(),
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	return out
}

// Err folds an invalid result into a single error.
func (vr *ValidationResult) Err() error {
	if vr == nil || vr.Valid {
		return nil
	}
	return fmt.Errorf("validation failed: %s", strings.Join(vr.GetErrorMessages(), "; "))
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field || strings.HasPrefix(err.Field, field+".") {
			return true
		}
	}
	return false
}

// ToGeneric converts a typed value into the map/slice form gojsonschema and
// YAML-decoded documents share.
func ToGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ==========================
// Request validation
// ==========================

const MaxMessageLength = 2000

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)
	controlChars     = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
)

// ValidateMessage checks a user chat message.
func ValidateMessage(msg string) *ValidationResult {
	var errs []ValidationError
	trimmed := strings.TrimSpace(msg)
	switch {
	case trimmed == "":
		errs = append(errs, ValidationError{Field: "message", Message: "message is required", Code: "REQUIRED_FIELD_MISSING"})
	case len(trimmed) > MaxMessageLength:
		errs = append(errs, ValidationError{
			Field:   "message",
			Message: fmt.Sprintf("message must be at most %d characters", MaxMessageLength),
			Code:    "MAX_LENGTH_VIOLATION",
		})
	}
	return &ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// ValidateSessionID accepts empty IDs, which the API replaces with a generated one.
func ValidateSessionID(id string) *ValidationResult {
	if id == "" || sessionIDPattern.MatchString(id) {
		return &ValidationResult{Valid: true}
	}
	return &ValidationResult{Errors: []ValidationError{{
		Field:   "session_id",
		Message: "session_id must be 1-128 letters, digits, '-' or '_'",
		Code:    "PATTERN_MISMATCH",
	}}}
}

// SanitizeMessage strips control characters and surrounding whitespace.
func SanitizeMessage(msg string) string {
	return strings.TrimSpace(controlChars.ReplaceAllString(msg, ""))
}
