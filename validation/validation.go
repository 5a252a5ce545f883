package validation

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/kbukum/capdir/errors"
)

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator accumulates field errors for hand-checked input such as query
// parameters.
type Validator struct {
	fields []FieldError
}

// New returns an empty Validator.
func New() *Validator { return &Validator{} }

// Check records message for field unless ok holds.
func (v *Validator) Check(ok bool, field, message string) *Validator {
	if !ok {
		v.fields = append(v.fields, FieldError{Field: field, Message: message})
	}
	return v
}

// Required rejects a blank value.
func (v *Validator) Required(field, value string) *Validator {
	return v.Check(strings.TrimSpace(value) != "", field, "is required")
}

// Unique rejects empty and repeated values.
func (v *Validator) Unique(field string, values []string) *Validator {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		if value == "" {
			return v.Check(false, field, "must not contain empty values")
		}
		if _, dup := seen[value]; dup {
			return v.Check(false, field, fmt.Sprintf("contains duplicate value %q", value))
		}
		seen[value] = struct{}{}
	}
	return v
}

// Fields returns the recorded errors.
func (v *Validator) Fields() []FieldError { return v.fields }

// Err folds the recorded errors into one INVALID_INPUT AppError, or nil.
func (v *Validator) Err() *errors.AppError {
	if len(v.fields) == 0 {
		return nil
	}
	return fieldsError(v.fields)
}

func fieldsError(fields []FieldError) *errors.AppError {
	messages := make([]string, len(fields))
	for i, f := range fields {
		messages[i] = f.Field + ": " + f.Message
	}
	appErr := errors.Validation(strings.Join(messages, "; "))
	appErr.Details = map[string]any{"fields": fields}
	return appErr
}

// IsGbid reports whether s can name a backend. A GBID travels as an MQTT
// broker identifier, so blanks and topic wildcards are rejected.
func IsGbid(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '+' || r == '#' || r == '/'
	})
}

var structValidator = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(fieldName)
	_ = v.RegisterValidation("gbid", func(fl validator.FieldLevel) bool {
		return IsGbid(fl.Field().String())
	})
	return v
})

// fieldName prefers the mapstructure key so config errors read like the
// config file, then the json name used by the admin API.
func fieldName(f reflect.StructField) string {
	for _, tag := range []string{"mapstructure", "json"} {
		name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return f.Name
}

// Validate checks s against its `validate` tags. Besides the stock rules
// the "gbid" tag applies IsGbid. Fields are reported by their dotted path
// below s, e.g. "provisioned_entries[0].broker_uri".
func Validate(s any) error {
	err := structValidator().Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Validation(err.Error())
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if _, rest, found := strings.Cut(path, "."); found {
			path = rest
		}
		fields = append(fields, FieldError{Field: path, Message: describe(fe)})
	}
	return fieldsError(fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required when " + strings.Replace(fe.Param(), " ", " is ", 1)
	case "min":
		if fe.Kind() == reflect.Slice {
			return "needs at least " + fe.Param() + " item(s)"
		}
		return "must be at least " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "unique":
		return "must not contain duplicates"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "hostname_port":
		return "must be a host:port pair"
	case "gbid":
		return fmt.Sprintf("%q is not a valid GBID", fe.Value())
	default:
		return "failed " + fe.Tag()
	}
}
