package server

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

const maxBodyBytes = 64 << 10

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type restoreRequest struct {
	Filename string `json:"filename" validate:"required"`
	Confirm  bool   `json:"confirm" validate:"required"`
}

type guidedRestoreRequest struct {
	Database string `json:"database" validate:"required"`
	Files    string `json:"files" validate:"required"`
	Order    string `json:"order" validate:"omitempty,oneof=database_first files_first"`
	Confirm  bool   `json:"confirm" validate:"required"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return describe(err)
	}
	return nil
}

// describe turns validator output into one readable sentence per field.
func describe(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validation error: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch {
		case fe.Field() == "confirm":
			msgs = append(msgs, "confirm must be true for destructive operations")
		case fe.Tag() == "required":
			msgs = append(msgs, fe.Field()+" is required")
		case fe.Tag() == "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
