package validator

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

var (
	enumsMu sync.RWMutex
	enums   = map[string][]string{}
)

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// RegisterEnum registers tag as a string validation accepting exactly values.
// Empty strings pass; combine with required to reject them.
func RegisterEnum(tag string, values ...string) error {
	allowed := make(map[string]struct{}, len(values))
	for _, v := range values {
		allowed[v] = struct{}{}
	}

	err := validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		if v == "" {
			return true
		}
		_, ok := allowed[v]
		return ok
	})
	if err != nil {
		return err
	}

	enumsMu.Lock()
	enums[tag] = append([]string(nil), values...)
	enumsMu.Unlock()
	return nil
}

// MustRegisterEnum is RegisterEnum for package init.
func MustRegisterEnum(tag string, values ...string) {
	if err := RegisterEnum(tag, values...); err != nil {
		panic(err)
	}
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = message(fe)
	}
	return fields
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Value is too short (min: " + fe.Param() + ")"
	case "max":
		return "Value is too long (max: " + fe.Param() + ")"
	case "gt":
		return "Value must be greater than " + fe.Param()
	case "gte":
		return "Value must be at least " + fe.Param()
	case "lte":
		return "Value must be at most " + fe.Param()
	case "uuid":
		return "Invalid UUID format"
	}

	enumsMu.RLock()
	values, ok := enums[fe.Tag()]
	enumsMu.RUnlock()
	if ok {
		return "Invalid value. Must be one of: " + strings.Join(values, ", ")
	}
	return "Invalid value"
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
