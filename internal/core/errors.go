package core

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned when a message is sent on a closed
	// signaling channel.
	ErrChannelClosed = errors.New("signaling channel closed")
	// ErrNegotiationFailure is matched by every NegotiationError.
	ErrNegotiationFailure = errors.New("negotiation failure")
	// ErrMediaAcquisitionFailure is matched by every MediaAcquisitionError.
	ErrMediaAcquisitionFailure = errors.New("media acquisition failure")
	// ErrUnknownPeer is returned for an answer or ICE candidate that references
	// a peer without a session.
	ErrUnknownPeer = errors.New("unknown peer")
)

// NegotiationError is a failure to create or apply a session description for
// a single peer.
type NegotiationError struct {
	Peer PeerID
	Op   string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed on %s: %v", e.Peer, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func (e *NegotiationError) Is(target error) bool {
	return target == ErrNegotiationFailure
}

// MediaAcquisitionError is a failure to open a local capture device.
type MediaAcquisitionError struct {
	Kind SourceKind
	Err  error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("can't acquire %s source: %v", e.Kind, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error {
	return e.Err
}

func (e *MediaAcquisitionError) Is(target error) bool {
	return target == ErrMediaAcquisitionFailure
}
