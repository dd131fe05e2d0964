package prediction

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/aristath/augur/internal/domain"
)

// MaxBatchSymbols caps a batch request.
const MaxBatchSymbols = 10

// Horizons maps public horizon names to model steps.
var Horizons = map[string]int{"1d": 1, "1w": 5, "1m": 21}

// Request asks for one symbol's prediction.
type Request struct {
	Symbol  string `json:"symbol" validate:"required,max=20"`
	Horizon string `json:"horizon" default:"1d" validate:"oneof=1d 1w 1m"`
	Model   string `json:"model" default:"xgboost" validate:"required"`
}

// BatchRequest asks for several symbols with one horizon and model.
type BatchRequest struct {
	Symbols []string `json:"symbols" validate:"required,min=1,max=10"`
	Horizon string   `json:"horizon" default:"1d" validate:"oneof=1d 1w 1m"`
	Model   string   `json:"model" default:"xgboost" validate:"required"`
}

// BatchItem is one entry of a batch response: a prediction or an error.
type BatchItem struct {
	Symbol     string   `json:"symbol"`
	Prediction *float64 `json:"prediction,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize applies defaults and validates a request.
func Normalize(req interface{}) error {
	if err := defaults.Set(req); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	return validationError(validate.Struct(req))
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return domain.NewValidationError("request", err.Error())
	}
	fe := errs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return domain.NewValidationError(field, fmt.Sprintf("%s is required", field))
	case "oneof":
		return domain.NewValidationError(field, fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", ")))
	case "max":
		if fe.Kind() == reflect.Slice {
			return domain.NewValidationError(field, fmt.Sprintf("at most %s %s per request", fe.Param(), field))
		}
		return domain.NewValidationError(field, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
	case "min":
		return domain.NewValidationError(field, fmt.Sprintf("%s must have at least %s entries", field, fe.Param()))
	}
	return domain.NewValidationError(field, fmt.Sprintf("%s failed validation: %s", field, fe.Tag()))
}
