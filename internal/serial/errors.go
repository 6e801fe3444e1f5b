package serial

import "errors"

var (
	// ErrNotOpen is returned by Write when the serial device is not currently open.
	ErrNotOpen = errors.New("serial: device not open")
	// ErrTxOverflow is returned when the single-writer queue is full.
	ErrTxOverflow = errors.New("serial: tx overflow")
)
