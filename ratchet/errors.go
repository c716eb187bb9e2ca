package ratchet

import (
	"errors"
	"fmt"
)

var (
	// ErrDecryptionFailed means the message failed authentication. The session is untouched
	// and the message can be dropped or retransmitted.
	ErrDecryptionFailed = errors.New("ratchet: decryption failed")
	// ErrTooManyMessagesSkipped means bridging the gap to the message would exceed MaxSkip.
	// The session stays usable for in-range messages.
	ErrTooManyMessagesSkipped = errors.New("ratchet: too many messages skipped")
	// ErrSendingChainNotReady is returned when encrypting before a sending chain exists,
	// a responder has to receive once before sending.
	ErrSendingChainNotReady = errors.New("ratchet: sending chain not ready")
	// ErrCounterExhausted is returned when a chain has used every message number.
	ErrCounterExhausted = errors.New("ratchet: message counter exhausted")
)

// StorageError wraps a persistence failure. The operation which returned it must not be
// considered committed.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ratchet: storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	_, ok := target.(*StorageError)
	return ok
}

func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
