// Package validation wraps go-playground/validator with the custom tags
// used by chat payloads and maps failures onto apperr.ErrValidation.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/pliu/chatty/internal/apperr"
	"github.com/samber/lo"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	lo.Must0(v.RegisterValidation("maxunits", maxUnits))
	lo.Must0(v.RegisterValidation("maxbytes", maxBytes))
	lo.Must0(v.RegisterValidation("nonblank", nonBlank))
	lo.Must0(v.RegisterValidation("validutf8", validUTF8))
	return v
}

// Struct validates s and returns an apperr validation error naming each
// failing field.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string {
			return describe(fe)
		})
		return apperr.Validation("%s", strings.Join(msgs, "; "))
	}
	return apperr.Validation("%v", err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "nonblank":
		return fmt.Sprintf("%s must not be blank", fe.Field())
	case "validutf8":
		return fmt.Sprintf("%s must be valid UTF-8", fe.Field())
	case "maxunits":
		return fmt.Sprintf("%s exceeds %s UTF-16 code units", fe.Field(), fe.Param())
	case "maxbytes":
		return fmt.Sprintf("%s exceeds %s bytes", fe.Field(), fe.Param())
	case "min", "max", "len":
		return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// UTF16Len counts s the way browsers measure string length.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

func limit(fl validator.FieldLevel) int {
	n, err := strconv.Atoi(fl.Param())
	if err != nil {
		panic(fmt.Sprintf("validation: bad limit %q on %s", fl.Param(), fl.FieldName()))
	}
	return n
}

func maxUnits(fl validator.FieldLevel) bool {
	return UTF16Len(fl.Field().String()) <= limit(fl)
}

func maxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= limit(fl)
}

func nonBlank(fl validator.FieldLevel) bool {
	return strings.IndexFunc(fl.Field().String(), func(r rune) bool { return !unicode.IsSpace(r) }) >= 0
}

func validUTF8(fl validator.FieldLevel) bool {
	return utf8.ValidString(fl.Field().String())
}
