package handlers

import (
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/orrn/printmux/internal/core"
)

// RegisterValidators adds the custom binding tags used by request structs.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	if err := v.RegisterValidation("dispatch_action", validateDispatchAction); err != nil {
		return err
	}
	return v.RegisterValidation("http_url", validateHTTPURL)
}

func validateDispatchAction(fl validator.FieldLevel) bool {
	_, err := core.ParseAction(fl.Field().String())
	return err == nil
}

func validateHTTPURL(fl validator.FieldLevel) bool {
	s := strings.ToLower(fl.Field().String())
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
