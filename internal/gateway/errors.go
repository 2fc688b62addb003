package gateway

import (
	"errors"
	"strings"

	"github.com/joescharf/fitroom/internal/imagecodec"
)

// Kind classifies a generation failure.
type Kind string

const (
	KindBlocked   Kind = "blocked"
	KindStopped   Kind = "stopped"
	KindNoImage   Kind = "no_image"
	KindTransport Kind = "transport"
)

// GenerationError is returned when the remote service rejects a request or
// answers without a usable image.
type GenerationError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	return e.Message
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

const unsupportedFormatMessage = "The file format is not supported. Please upload an image in a format like PNG, JPEG, or WEBP."

// FriendlyMessage turns err into text suitable for showing to the user.
// context describes what was being attempted, e.g. "Failed to apply garment".
func FriendlyMessage(context string, err error) string {
	if err == nil {
		return ""
	}
	var verr *imagecodec.InputValidationError
	if errors.As(err, &verr) {
		return "Please select an image file. " + verr.Reason + "."
	}

	msg := err.Error()
	var gerr *GenerationError
	if errors.As(err, &gerr) {
		msg = gerr.Message
	}
	if strings.Contains(msg, "Unsupported MIME type") {
		return unsupportedFormatMessage
	}
	return context + ". " + msg
}
