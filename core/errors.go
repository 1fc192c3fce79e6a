package core

import (
	"errors"
	"fmt"
)

// ErrConfiguration is matched by every ConfigurationError.
var ErrConfiguration = errors.New("configuration error")

// ErrTransportFatal marks transport failures that retrying cannot fix,
// such as a revoked bot token. The runtime stops when GetUpdates returns one.
var ErrTransportFatal = errors.New("fatal transport error")

// ConfigurationError reports an invalid registration or matcher setup.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// HandlerError wraps a failure raised while invoking a handler.
type HandlerError struct {
	Token Token
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %v: %s", e.Token, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
