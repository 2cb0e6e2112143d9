// Package dnn is the accelerated operator layer: it wraps the vendor kernel
// library's convolution, pooling and softmax routines as graph operators,
// manages their native descriptor resources, and decides through a
// process-wide availability gate whether the backend is usable at all.
//
// The numeric kernels themselves are external. This package only specifies
// how the operators are described, how their descriptor resources live and
// die, and how their gradients unfold into further graph nodes.
package dnn

import "fmt"

// UnavailableError reports that the accelerated backend cannot be used. The
// reason is the gate's cached diagnostic chain; it never changes for the
// lifetime of the process.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return "accelerated backend unavailable: " + e.Reason
}

// FeatureUnsupportedError reports that a requested algorithm or mode needs a
// newer backend version than the one detected.
type FeatureUnsupportedError struct {
	Feature  string
	Required int
	Detected int
}

func (e *FeatureUnsupportedError) Error() string {
	return fmt.Sprintf("%s requires backend version >= %d, detected %d",
		e.Feature, e.Required, e.Detected)
}

// ConfigurationError reports malformed declarative parameters (padding,
// stride, window tuples). It is raised at construction, before any native
// resource is touched.
type ConfigurationError struct {
	Param string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Msg)
}

func configErrf(param, format string, args ...any) error {
	return &ConfigurationError{Param: param, Msg: fmt.Sprintf(format, args...)}
}
