package capture

import (
	"errors"
	"fmt"
	"io/fs"
)

// Device errors. Each maps to a distinct message for the user and always
// ends the call that requested media.
var (
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrPermissionDenied = errors.New("media device permission denied")
	ErrDeviceBusy       = errors.New("media device busy")
)

// DeviceError names the device that failed.
type DeviceError struct {
	Kind   Kind
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// classify maps an open error onto the device taxonomy.
func classify(kind Kind, device string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = ErrDeviceNotFound
	case errors.Is(err, fs.ErrPermission):
		err = ErrPermissionDenied
	}
	return &DeviceError{Kind: kind, Device: device, Err: err}
}

// UserMessage returns the text shown to the user for a media error.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return "No camera or microphone found. Check the configured media devices."
	case errors.Is(err, ErrPermissionDenied):
		return "Access to the camera or microphone was denied."
	case errors.Is(err, ErrDeviceBusy):
		return "The camera or microphone is in use by another application."
	default:
		return "Could not access the camera or microphone."
	}
}

// IsMediaError reports whether err belongs to the device taxonomy.
func IsMediaError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceBusy)
}
