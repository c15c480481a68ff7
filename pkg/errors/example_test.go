// Package errors provides examples of structured error handling in syncmaven.
package errors_test

import (
	"fmt"
	"io"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
)

// Example demonstrates basic error creation and details.
func Example() {
	err := errors.New(errors.ErrorTypeConfig, "model orders is not defined").
		WithDetail("sync", "orders-to-crm")

	fmt.Println(err.Error())

	// Output:
	// config: model orders is not defined
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.EOF, errors.ErrorTypeProtocol, "connector exited before replying").
		WithDetail("phase", "describe")

	if errors.IsType(err, errors.ErrorTypeProtocol) {
		fmt.Println("This is a protocol violation")
	}
	if errors.Is(err, io.EOF) {
		fmt.Println("Caused by EOF")
	}

	// Output:
	// This is a protocol violation
	// Caused by EOF
}

// ExampleIsType shows that IsType looks through wrapped structured errors.
func ExampleIsType() {
	halt := errors.New(errors.ErrorTypeHalt, "invalid api key")
	err := errors.Wrap(halt, errors.ErrorTypeInternal, "sync orders failed")

	fmt.Println(errors.IsType(err, errors.ErrorTypeHalt))
	fmt.Println(errors.TypeOf(err))

	// Output:
	// true
	// internal
}

// ExampleIsRetryable shows how to check if an error is retryable.
func ExampleIsRetryable() {
	connErr := errors.New(errors.ErrorTypeConnection, "connection refused")
	orderErr := errors.New(errors.ErrorTypeOrdering, "cursor moved backwards")

	fmt.Println(errors.IsRetryable(connErr))
	fmt.Println(errors.IsRetryable(orderErr))

	// Output:
	// true
	// false
}
