package recommender

import (
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable = errors.New("association store unavailable")
	ErrInvalidInput     = errors.New("invalid recommender input")
)

// StoreError reports a failed store round trip. It matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e == nil {
		return ErrStoreUnavailable.Error()
	}
	if e.Key != "" {
		return fmt.Sprintf("association store %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("association store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

type InputErrorCode string

const (
	InputErrorInvalidProductID  InputErrorCode = "invalid_product_id"
	InputErrorInvalidMaxResults InputErrorCode = "invalid_max_results"
)

// InputError is returned before any store access. It matches ErrInvalidInput.
type InputError struct {
	Code  InputErrorCode
	Value string
}

func (e *InputError) Error() string {
	if e == nil {
		return ErrInvalidInput.Error()
	}
	switch e.Code {
	case InputErrorInvalidProductID:
		return fmt.Sprintf("invalid product id %s; expected positive integer", e.Value)
	case InputErrorInvalidMaxResults:
		return fmt.Sprintf("invalid max results %s; expected >= 1", e.Value)
	default:
		return ErrInvalidInput.Error()
	}
}

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Key: key, Err: err}
}
