package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// FieldError is one structured validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by FieldError.
const (
	CodeMissing = "Missing"
	CodeInvalid = "Invalid"
)

// Errors aggregates every failed field of one request.
type Errors []FieldError

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return "invalid parameters: " + strings.Join(msgs, "; ")
}

// Func checks one field value and returns nil on success. The value is the
// decoded JSON form (string, float64, map, slice, nil).
type Func func(field string, value interface{}) *FieldError

// Schema is a declarative description of a request's parameters. Unknown
// fields are ignored for forward compatibility.
type Schema struct {
	Required map[string]Func
	Optional map[string]Func
}

// Validate runs the schema over params and returns an Errors value listing
// every failure, or nil when everything passes.
func (s Schema) Validate(params map[string]interface{}) error {
	var errs Errors

	for field, fn := range s.Required {
		value, ok := params[field]
		if !ok || value == nil {
			errs = append(errs, FieldError{
				Field:   field,
				Code:    CodeMissing,
				Message: fmt.Sprintf("%s is required", field),
			})
			continue
		}
		if fe := fn(field, value); fe != nil {
			errs = append(errs, *fe)
		}
	}

	for field, fn := range s.Optional {
		value, ok := params[field]
		if !ok || value == nil {
			continue
		}
		if fe := fn(field, value); fe != nil {
			errs = append(errs, *fe)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func invalid(field, format string, args ...interface{}) *FieldError {
	return &FieldError{
		Field:   field,
		Code:    CodeInvalid,
		Message: fmt.Sprintf(format, args...),
	}
}

func asString(field string, value interface{}) (string, *FieldError) {
	s, ok := value.(string)
	if !ok {
		return "", invalid(field, "%s must be a string", field)
	}
	return s, nil
}

// UUID validates an RFC 4122 UUID string.
func UUID(field string, value interface{}) *FieldError {
	s, fe := asString(field, value)
	if fe != nil {
		return fe
	}
	if _, err := uuid.Parse(s); err != nil {
		return invalid(field, "%s is not a valid UUID", field)
	}
	return nil
}

var guidRE = regexp.MustCompile(`^[A-F0-9]{32}$`)

// GUID validates a PIV token GUID: exactly 32 upper-case hex digits.
func GUID(field string, value interface{}) *FieldError {
	s, fe := asString(field, value)
	if fe != nil {
		return fe
	}
	if !guidRE.MatchString(s) {
		return invalid(field, "%s must be 32 upper-case hex digits", field)
	}
	return nil
}

var iso8601Layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseISO8601 parses any accepted ISO-8601 layout.
func ParseISO8601(s string) (time.Time, error) {
	for _, layout := range iso8601Layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 timestamp: %q", s)
}

// ISO8601 validates a timestamp string.
func ISO8601(field string, value interface{}) *FieldError {
	s, fe := asString(field, value)
	if fe != nil {
		return fe
	}
	if _, err := ParseISO8601(s); err != nil {
		return invalid(field, "%s is not an ISO-8601 timestamp", field)
	}
	return nil
}

// IsPresent accepts any non-empty value.
func IsPresent(field string, value interface{}) *FieldError {
	if s, ok := value.(string); ok && s == "" {
		return invalid(field, "%s must not be empty", field)
	}
	return nil
}

// ValidSSHKeyLine reports whether s parses as one SSH public-key line.
func ValidSSHKeyLine(s string) bool {
	_, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	return err == nil
}

// PubKeys validates the pubkeys record: an object carrying at least the 9e
// slot, with every present slot a well-formed SSH public-key line.
func PubKeys(field string, value interface{}) *FieldError {
	m, ok := value.(map[string]interface{})
	if !ok {
		return invalid(field, "%s must be an object", field)
	}
	if _, ok := m["9e"]; !ok {
		return invalid(field, "%s must include the 9e key", field)
	}
	for slot, v := range m {
		line, ok := v.(string)
		if !ok || !ValidSSHKeyLine(line) {
			return invalid(field, "%s.%s is not a valid SSH public key", field, slot)
		}
	}
	return nil
}

// FieldsArray returns a validator accepting an array of strings drawn from
// the whitelist.
func FieldsArray(whitelist []string) Func {
	allowed := make(map[string]bool, len(whitelist))
	for _, f := range whitelist {
		allowed[f] = true
	}
	return func(field string, value interface{}) *FieldError {
		arr, ok := value.([]interface{})
		if !ok {
			return invalid(field, "%s must be an array", field)
		}
		for _, v := range arr {
			s, ok := v.(string)
			if !ok || !allowed[s] {
				return invalid(field, "%s contains an unknown field %v", field, v)
			}
		}
		return nil
	}
}

// MaxLimit bounds the limit parameter.
const MaxLimit = 1000

// Offset validates a non-negative integer offset.
func Offset(field string, value interface{}) *FieldError {
	n, ok := value.(float64)
	if !ok || n != float64(int(n)) || n < 0 {
		return invalid(field, "%s must be a non-negative integer", field)
	}
	return nil
}

// Limit validates a positive integer limit no larger than MaxLimit.
func Limit(field string, value interface{}) *FieldError {
	n, ok := value.(float64)
	if !ok || n != float64(int(n)) || n < 1 || n > MaxLimit {
		return invalid(field, "%s must be an integer between 1 and %d", field, MaxLimit)
	}
	return nil
}
