package core

import (
	"errors"
	"fmt"
)

// SourceKind is the kind of local capture device.
type SourceKind string

const (
	SourceNone   SourceKind = ""
	SourceCamera SourceKind = "camera"
	SourceScreen SourceKind = "screen"
)

var ErrUnknownSourceKind = errors.New("unknown source kind")

func (k SourceKind) Validate() error {
	switch k {
	case SourceCamera, SourceScreen:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSourceKind, string(k))
	}
}
