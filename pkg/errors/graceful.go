// Package errors funnels fatal failures of the daemon's background
// components (ARI event loop, HTTP servers, archiver) into a single exit path.
package errors

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/migadu/vmail/logger"
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler records the first fatal error and signals the main goroutine.
type ErrorHandler struct {
	exitChannel chan int
	mu          sync.Mutex
	first       *GracefulError
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	gracefulErr := NewGracefulError(operation, err)
	logger.Error("Fatal error", "operation", operation, "error", err)

	eh.mu.Lock()
	if eh.first == nil {
		eh.first = gracefulErr
	}
	eh.mu.Unlock()

	select {
	case eh.exitChannel <- 1:
	default:
	}
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}

	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// Err returns the first fatal error reported, if any.
func (eh *ErrorHandler) Err() error {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if eh.first == nil {
		return nil
	}
	return eh.first
}

// Done is readable once a fatal error has been reported.
func (eh *ErrorHandler) Done() <-chan int {
	return eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}
