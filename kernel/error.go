// Package kernel contains the types shared by every kernel subsystem.
package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so that they can be
// compared by identity and returned without allocating.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the message prefixed by the name of the module.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
