package core

import "errors"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrPrinterNotFound   = errors.New("printer not found")
	ErrTargetNotFound    = errors.New("target not found")
	ErrNoPrinters        = errors.New("at least one printer is required")
	ErrInvalidAction     = errors.New("action must be upload or print")
	ErrAlreadyInFlight   = errors.New("printer is already being dispatched for this job")
	ErrInvalidTransition = errors.New("invalid target status transition")
	ErrPrinterDisabled   = errors.New("printer disabled")
)
