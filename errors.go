package sensorlink

import "errors"

var (
	ErrNotConnected       = errors.New("not connected")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrDefinitionMismatch = errors.New("definition mismatch")
	ErrRecordingViolation = errors.New("recording violation")
	ErrIllegalInRecording = errors.New("illegal in recording")
	ErrRecordingClosed    = errors.New("recording closed")
	ErrTransportFailure   = errors.New("transport failure")
	ErrDecode             = errors.New("decode error")
	ErrNotFound           = errors.New("not found")
	ErrStaleNode          = errors.New("stale event node")
	ErrNotLogging         = errors.New("event not logging")
	ErrDrainInProgress    = errors.New("drain in progress")
	ErrTimeout            = errors.New("timeout")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrUnsupported        = errors.New("unsupported by peripheral")
)
