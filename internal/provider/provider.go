// Package provider defines the contracts shared by all external generation
// providers: typed errors with an explicit transient flag, the synchronous
// call shape, and the submit/poll prediction shape.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error is the normalized failure of an external provider call. Adapters set
// Transient from structured information (HTTP status, provider error codes)
// so retry policy branches on data rather than on message substrings.
type Error struct {
	Provider   string
	Code       string
	StatusCode int
	Message    string
	Transient  bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// NewHTTPError builds an Error from an HTTP-style status code, classifying
// rate limiting and server-side unavailability as transient.
func NewHTTPError(providerName string, status int, message string) *Error {
	return &Error{
		Provider:   providerName,
		StatusCode: status,
		Message:    message,
		Transient:  transientStatus(status),
	}
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusRequestTimeout:
		return true
	}
	return false
}

// IsTransient reports whether an error is expected to succeed on retry.
// Timeouts and deadline expiry are always transient; provider errors carry
// their own classification; everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// ImageRequest describes a synchronous image generation call.
type ImageRequest struct {
	Prompt      string
	AspectRatio string
	RequestID   string
}

// ImageAsset is the normalized result of a synchronous image call.
type ImageAsset struct {
	Data     []byte
	MimeType string
}

// SyncGenerator is an external provider consumed through a single blocking
// call, wrapped directly by the retry executor.
type SyncGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageAsset, error)
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// VideoRequest describes an asynchronous video generation submission.
type VideoRequest struct {
	Prompt      string
	ImageURL    string
	Duration    int
	AspectRatio string
	Resolution  string
}

// PredictionState enumerates the provider-side states of a submitted job.
type PredictionState string

const (
	PredictionRunning   PredictionState = "running"
	PredictionSucceeded PredictionState = "succeeded"
	PredictionFailed    PredictionState = "failed"
)

// Prediction is one status snapshot of an asynchronous generation.
type Prediction struct {
	ID        string
	State     PredictionState
	OutputURL string
	Error     string
}

// Predictor is an external provider that works asynchronously: submit
// returns a correlation id immediately and the caller polls until done.
type Predictor interface {
	SubmitVideo(ctx context.Context, req VideoRequest) (string, error)
	Check(ctx context.Context, predictionID string) (Prediction, error)
}
