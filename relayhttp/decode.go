package relayhttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/kafka-relay-go/apierr"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

const maxBodyBytes = 1 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// strict rejects unknown fields in request bodies.
var strict = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return v
}

// placeholder matches <ENV_VAR> references in request bodies.
var placeholder = regexp.MustCompile(`<([^>]+)>`)

// injectEnv replaces placeholders in every string of v with the named
// variable, or "" when it is unset. A "brokers" string is split on commas.
func injectEnv(v any, lookup func(string) (string, bool)) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && k == "brokers" {
				parts := strings.Split(replacePlaceholders(s, lookup), ",")
				brokers := make([]any, len(parts))
				for i, p := range parts {
					brokers[i] = p
				}
				t[k] = brokers
				continue
			}
			t[k] = injectEnv(val, lookup)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = injectEnv(val, lookup)
		}
		return t
	case string:
		return replacePlaceholders(t, lookup)
	default:
		return v
	}
}

func replacePlaceholders(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "<") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		v, _ := lookup(m[1 : len(m)-1])
		return v
	})
}

// decodeBody reads a JSON body into dst after resolving placeholders, then
// validates it.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return apierr.New(http.StatusUnsupportedMediaType, "content-type must be application/json")
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return apierr.New(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return apierr.BadRequest("cannot read request body")
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return apierr.BadRequest("invalid JSON body")
	}
	if _, ok := generic.(map[string]any); !ok {
		return apierr.BadRequest("body must be an object")
	}
	resolved, err := json.Marshal(injectEnv(generic, h.lookupEnv))
	if err != nil {
		return fmt.Errorf("re-encode body: %w", err)
	}
	if err := strict.Unmarshal(resolved, dst); err != nil {
		return apierr.BadRequest("invalid body: %s", err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			return validationError(ves)
		}
		return err
	}
	return nil
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func validationError(ves validator.ValidationErrors) *apierr.ClientError {
	msgs := make([]string, 0, len(ves))
	fields := make([]fieldError, 0, len(ves))
	for _, fe := range ves {
		field := fieldPath(fe.Namespace())
		msgs = append(msgs, describe(field, fe))
		fields = append(fields, fieldError{Field: field, Rule: fe.Tag()})
	}
	ce := apierr.BadRequest("%s", strings.Join(msgs, "; "))
	ce.Payload = fields
	return ce
}

// fieldPath drops the root type and embedded struct names from a validator
// namespace.
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	out := parts[:0]
	for _, p := range parts {
		if p == "Connection" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}

func describe(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must contain at least %s item(s)", field, fe.Param())
	case "url", "uri":
		return field + " must be a valid URL"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
