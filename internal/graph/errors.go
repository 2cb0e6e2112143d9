package graph

import "fmt"

// ShapeError reports a rank or dimension mismatch detected while validating
// a node's inputs. It is always a caller bug: the construction that raised
// it is aborted and never retried.
type ShapeError struct {
	Op  string // name of the operator that rejected its inputs
	Msg string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func shapeErrf(op, format string, args ...any) error {
	return &ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
