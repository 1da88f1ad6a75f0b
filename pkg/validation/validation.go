package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	v      *validator.Validate
	a1Re   = regexp.MustCompile(`^\$?[A-Za-z]{1,3}\$?[1-9][0-9]*$`)
	permRe = regexp.MustCompile(`^(filesystem_read|filesystem_write|network|object_creation)$`)
)

// Validator returns a singleton validator with custom rules registered.
func Validator() *validator.Validate {
	if v == nil {
		v = validator.New()
		// Custom: workbook path must have a supported extension
		_ = v.RegisterValidation("workbook_ext", func(fl validator.FieldLevel) bool {
			s := strings.ToLower(strings.TrimSpace(fl.Field().String()))
			if s == "" {
				return false
			}
			return strings.HasSuffix(s, ".xlsx") || strings.HasSuffix(s, ".xlsm")
		})
		// Custom: single A1-style cell reference
		_ = v.RegisterValidation("a1ref", func(fl validator.FieldLevel) bool {
			return a1Re.MatchString(strings.TrimSpace(fl.Field().String()))
		})
		// Custom: formula text; empty allowed with omitempty, otherwise any
		// non-blank body (the engine stores #PARSE! values, it does not
		// reject the edit)
		_ = v.RegisterValidation("formula", func(fl validator.FieldLevel) bool {
			s := strings.TrimSpace(fl.Field().String())
			return s != "="
		})
		// Custom: macro permission grant token
		_ = v.RegisterValidation("macro_permission", func(fl validator.FieldLevel) bool {
			return permRe.MatchString(strings.TrimSpace(fl.Field().String()))
		})
	}
	return v
}

// ValidateStruct validates a struct and returns a user-friendly error string
// suitable for tool errors. Returns empty string when valid.
func ValidateStruct(s any) string {
	if err := Validator().Struct(s); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			fe := ve[0]
			field := strings.ToLower(fe.Field())
			switch fe.Tag() {
			case "required":
				return fmt.Sprintf("VALIDATION: %s is required", field)
			case "workbook_ext":
				return "VALIDATION: path must be a workbook (.xlsx, .xlsm)"
			case "a1ref":
				return "VALIDATION: invalid cell reference; use A1 style"
			case "formula":
				return "VALIDATION: formula must have a body after '='"
			case "macro_permission":
				return "VALIDATION: unknown permission; use filesystem_read, filesystem_write, network, or object_creation"
			case "min", "max", "gte", "lte":
				return fmt.Sprintf("VALIDATION: %s must satisfy %s=%s", field, fe.Tag(), fe.Param())
			}
			return fmt.Sprintf("VALIDATION: invalid %s", field)
		}
		return "VALIDATION: invalid inputs"
	}
	return ""
}
