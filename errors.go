package main

import (
	"errors"
	"fmt"
)

// Receiver error kinds. Match with errors.Is.
var (
	ErrDeviceNotFound          = errors.New("device not found")
	ErrDeviceOpenFailed        = errors.New("device open failed")
	ErrSettingRejected         = errors.New("setting rejected")
	ErrSettingUnavailable      = errors.New("setting unavailable")
	ErrAcquisitionStartFailed  = errors.New("acquisition start failed")
	ErrAcquisitionStopFailed   = errors.New("acquisition stop failed")
	ErrAcquisitionFailed       = errors.New("acquisition failed")
	ErrStreamEndedUnexpectedly = errors.New("stream ended unexpectedly")
	ErrBufferOverflow          = errors.New("stream buffer overflow")
	ErrSubscriberActive        = errors.New("a subscriber is already attached")
)

// Numeric receiver error codes reported to clients
const (
	CodeDeviceNotFound     = 100
	CodeOpenDevice         = 200
	CodeDeviceInfo         = 300
	CodeTunerGains         = 310
	CodeGetGain            = 350
	CodeGetCenterFreq      = 370
	CodeGetSampleRate      = 380
	CodeGetOffsetTuning    = 390
	CodeResetBuffer        = 410
	CodeSetGainMode        = 420
	CodeSetAGC             = 430
	CodeSetGain            = 450
	CodeSetFreqCorrection  = 460
	CodeSetCenterFreq      = 470
	CodeSetSampleRate      = 480
	CodeSetOffsetTuning    = 490
	CodeStartAcquisition   = 500
	CodeStopAcquisition    = 510
	CodeAcquisitionRestart = 520
)

// ReceiverError is a tagged failure from the acquisition controller
type ReceiverError struct {
	Code int    // numeric code, see Code* constants
	Op   string // operation, e.g. "set center frequency"
	Kind error  // one of the Err* sentinels
	Err  error  // underlying device error, may be nil
}

func (e *ReceiverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d: %s: %v: %v", e.Code, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%d: %s: %v", e.Code, e.Op, e.Kind)
}

// Is reports whether target is this error's kind
func (e *ReceiverError) Is(target error) bool {
	return target == e.Kind
}

func (e *ReceiverError) Unwrap() error {
	return e.Err
}

func newReceiverError(code int, op string, kind, err error) *ReceiverError {
	return &ReceiverError{Code: code, Op: op, Kind: kind, Err: err}
}

// errorCode extracts the numeric code from err, or 0
func errorCode(err error) int {
	var re *ReceiverError
	if errors.As(err, &re) {
		return re.Code
	}
	return 0
}
