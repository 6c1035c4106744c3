// Package media owns the local capture source and its tracks.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/telemetry"
)

var ErrSuperseded = errors.New("source start superseded")

// Device is an opened capture source. Start begins producing samples into
// its tracks, Stop releases it.
type Device interface {
	Tracks() []webrtc.TrackLocal
	Start()
	Stop()
}

type Acquirer interface {
	Acquire(ctx context.Context, kind core.SourceKind) (Device, error)
}

// Attacher puts tracks on the senders of every live session.
type Attacher interface {
	SetLocalTracks(tracks []webrtc.TrackLocal)
	DetachTracks()
}

// Loop runs blocking work off the control loop and its continuation back on
// it. Done is closed once the loop stops running continuations.
type Loop interface {
	Go(work func() func())
	Done() <-chan struct{}
}

// Controller is the MediaSourceController. At most one source is active. All
// methods must be called on the control loop.
type Controller struct {
	loop     Loop
	acquirer Acquirer
	attacher Attacher

	kind       core.SourceKind
	device     Device
	generation uint64

	onChange func(core.SourceKind)
}

func NewController(loop Loop, acquirer Acquirer, attacher Attacher) *Controller {
	return &Controller{
		loop:     loop,
		acquirer: acquirer,
		attacher: attacher,
	}
}

func (c *Controller) OnChange(callback func(core.SourceKind)) {
	c.onChange = callback
}

// Kind is the active source kind, SourceNone when idle.
func (c *Controller) Kind() core.SourceKind {
	return c.kind
}

// Tracks are the tracks of the active source, used for sessions opened
// later.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	if c.device == nil {
		return nil
	}

	return c.device.Tracks()
}

// StartSource replaces the active source with a new one of kind. done is
// called on the loop once the source is attached or the start failed.
func (c *Controller) StartSource(ctx context.Context, kind core.SourceKind, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	if err := kind.Validate(); err != nil {
		done(&core.MediaAcquisitionError{Kind: kind, Err: err})
		return
	}

	c.StopSource()

	c.generation++
	generation := c.generation

	log.Debug().Str("service", "media").Str("kind", string(kind)).Msg("acquire source")

	c.loop.Go(func() func() {
		device, err := c.acquirer.Acquire(ctx, kind)

		claimed := make(chan struct{})
		if device != nil {
			go c.releaseUnclaimed(device, claimed)
		}

		return func() {
			close(claimed)
			if generation != c.generation {
				if device != nil {
					device.Stop()
				}
				log.Debug().Str("service", "media").Str("kind", string(kind)).Msg("discard superseded source")
				done(ErrSuperseded)
				return
			}
			if err != nil {
				log.Error().Err(err).Str("service", "media").Str("kind", string(kind)).Msg("can't acquire source")
				done(&core.MediaAcquisitionError{Kind: kind, Err: err})
				return
			}

			c.device = device
			c.kind = kind
			c.attacher.SetLocalTracks(device.Tracks())
			device.Start()

			log.Info().Str("service", "media").Str("kind", string(kind)).Msg("source started")
			c.changed()
			done(nil)
		}
	})
}

// releaseUnclaimed stops a device whose start continuation never ran because
// the loop stopped first.
func (c *Controller) releaseUnclaimed(device Device, claimed <-chan struct{}) {
	select {
	case <-claimed:
	case <-c.loop.Done():
		select {
		case <-claimed:
		default:
			log.Debug().Str("service", "media").Msg("release source acquired after stop")
			device.Stop()
		}
	}
}

// StopSource detaches the active tracks from every session and releases the
// device. Any start still in flight is cancelled. Stopping with no active
// source is a no-op.
func (c *Controller) StopSource() {
	c.generation++

	if c.device == nil {
		return
	}

	c.attacher.DetachTracks()
	c.device.Stop()

	log.Info().Str("service", "media").Str("kind", string(c.kind)).Msg("source stopped")

	c.device = nil
	c.kind = core.SourceNone
	c.changed()
}

func (c *Controller) changed() {
	telemetry.LocalSourceChanged(string(c.kind))

	if c.onChange != nil {
		c.onChange(c.kind)
	}
}
