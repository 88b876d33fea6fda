package jsbind

import "fmt"

// SelectorError is thrown into script when a CSS or XPath selector cannot be
// compiled.
type SelectorError struct {
	Selector string
	Err      error
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("invalid selector '%s': %v", e.Selector, e.Err)
}

func (e *SelectorError) Unwrap() error { return e.Err }

// NavigationError represents a navigation requested by script that could not
// be started.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to '%s' failed: %v", e.URL, e.Err)
}

// Unwrap provides the underlying error for use with errors.Is/As.
func (e *NavigationError) Unwrap() error {
	return e.Err
}

// DOMError wraps a refused tree mutation.
type DOMError struct {
	Op  string
	Err error
}

func (e *DOMError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DOMError) Unwrap() error { return e.Err }
