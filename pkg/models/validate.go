package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pario-ai/llmgate/pkg/gwerr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// structErr converts validator output into a taxonomy validation error.
func structErr(err error, typ string) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return gwerr.Validation(fmt.Sprintf("%s: %v", typ, err), map[string]any{"type": typ})
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
	}
	return gwerr.Validation(
		fmt.Sprintf("%s failed validation: %s", typ, strings.Join(fields, ", ")),
		map[string]any{"type": typ, "fields": fields},
	)
}
