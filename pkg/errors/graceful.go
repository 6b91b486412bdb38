package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/migadu/popbridge/logger"
)

// StartupError describes a failure that prevents the gateway from running.
type StartupError struct {
	Operation string
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", e.Operation, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ErrorHandler reports startup failures and records the exit code the process should use.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %v", &StartupError{Operation: operation, Err: err})
	eh.signal(1)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.signal(1)
}

func (eh *ErrorHandler) ValidationError(err error) {
	eh.logger.Printf("ERROR: invalid configuration: %v", err)
	eh.signal(2)
}

// ExitCode returns the recorded exit code, or 0 if no error was reported.
func (eh *ErrorHandler) ExitCode() int {
	select {
	case code := <-eh.exitChannel:
		return code
	default:
		return 0
	}
}

// Shutdown logs why the process is stopping.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
