// Package runtimex contains runtime extensions.
package runtimex

// PanicIfFalse panics with the given message when the assertion is false.
func PanicIfFalse(assertion bool, message string) {
	if !assertion {
		panic(message)
	}
}

// Assert is an alias for [PanicIfFalse].
func Assert(assertion bool, message string) {
	PanicIfFalse(assertion, message)
}

// PanicOnError panics when err is not nil.
func PanicOnError(err error, message string) {
	if err != nil {
		panic(message + ": " + err.Error())
	}
}
