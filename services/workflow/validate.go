package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidationError lists the struct fields that failed tag validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid workflow definition: " + strings.Join(e.Fields, ", ")
}

// Validate checks a definition's shape and graph without running it.
func Validate(def *Definition) error {
	if def == nil {
		return ErrEmptyDefinition
	}
	if err := validateStruct(def); err != nil {
		return err
	}
	g, err := BuildGraph(def)
	if err != nil {
		return err
	}
	_, err = Schedule(g)
	return err
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return &ValidationError{Fields: fields}
}
