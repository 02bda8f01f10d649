package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is a package-level, concurrency-safe validator instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterValidation("hostnameslug", validateHostnameSlug)
	validate.RegisterValidation("domainname", validateDomainName)
	validate.RegisterValidation("secretkey", validateSecretKey)
}

// validationError is a single field validation failure.
type validationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// decode reads a JSON body into dst, rejecting unknown fields and bodies
// over 1MiB.
func decode(r *http.Request, dst any) error {
	const maxBody = 1 << 20

	body := http.MaxBytesReader(nil, r.Body, maxBody)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			return fmt.Errorf("request body too large (max 1 MiB)")
		case errors.Is(err, io.EOF):
			return fmt.Errorf("request body is empty")
		default:
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

// fieldErrors runs struct-tag validation on v and formats field-level
// messages.
func fieldErrors(v any) []validationError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []validationError{{Message: err.Error()}}
	}

	out := make([]validationError, 0, len(ve))
	for _, fe := range ve {
		out = append(out, validationError{Field: jsonFieldName(fe), Message: fieldErrorMessage(fe)})
	}
	return out
}

func jsonFieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	return toSnakeCase(ns)
}

func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "hostnameslug":
		return "must be a lowercase hostname slug (letters, digits, hyphens)"
	case "domainname":
		return "must be a valid domain name"
	case "secretkey":
		return "must be an identifier (letters, digits, underscore, starting with a letter)"
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + 32)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
