package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"agora/internal/domain"
)

var schemaValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report issues against JSON field names, not Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate parses raw JSON into a fresh In and, unless validation is
// bypassed, runs struct validation collecting one issue per violated field.
func decodeAndValidate[In any](raw json.RawMessage, validated bool) (In, error) {
	var in In
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return in, domain.NewInvalidInput("payload: " + err.Error())
		}
	}
	if !validated {
		return in, nil
	}
	rv := reflect.ValueOf(&in).Elem()
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return in, nil
	}
	if err := schemaValidator.Struct(rv.Interface()); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			issues := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %s", fieldPath(fe), constraint(fe)))
			}
			return in, &domain.InvalidInputError{Issues: issues}
		}
		return in, domain.NewInvalidInput("payload: " + err.Error())
	}
	return in, nil
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

func constraint(fe validator.FieldError) string {
	if p := fe.Param(); p != "" {
		return fe.Tag() + "=" + p
	}
	return fe.Tag()
}

// PruneAbsent removes top-level keys whose value is JSON null from a payload
// object. Queries treat absent filters as "not specified"; pruning twice
// yields the same bytes as pruning once.
func PruneAbsent(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return raw
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	for k, v := range obj {
		if string(bytes.TrimSpace(v)) == "null" {
			delete(obj, k)
		}
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

// invoke runs a handler body, normalizing panics: panicking with an error
// propagates it unchanged, panicking with anything else becomes InvalidInput
// with a best-effort rendering of the value.
func invoke[Out any](fn func() (Out, error)) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = domain.NewInvalidInput(stringify(r))
		}
	}()
	return fn()
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}
