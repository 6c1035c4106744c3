package conference

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/signal"
	"github.com/isqad/livelook-mesh/internal/sink"
)

// call runs fn on the loop and waits for its result.
func (c *Client) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !c.post(func() {
		err := fn()
		c.publish()
		result <- err
	}) {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// SendMessage sends msg to the relay as is.
func (c *Client) SendMessage(ctx context.Context, msg *signal.Message) error {
	return c.call(ctx, func() error {
		return c.signaler.Send(msg)
	})
}

func (c *Client) SetNickname(ctx context.Context, nickname string) error {
	return c.SendMessage(ctx, signal.NewSetNickname(nickname))
}

func (c *Client) CreateMeeting(ctx context.Context, meetingID string) error {
	return c.SendMessage(ctx, signal.NewCreateMeeting(meetingID))
}

func (c *Client) JoinMeeting(ctx context.Context, meetingID string) error {
	return c.SendMessage(ctx, signal.NewJoinMeeting(meetingID))
}

// LeaveMeeting asks the relay to remove us from the current meeting and
// closes every session without waiting for its confirmation.
func (c *Client) LeaveMeeting(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.state.meetingID == "" {
			return ErrNotInMeeting
		}
		if err := c.signaler.Send(signal.NewLeaveMeeting(c.state.meetingID)); err != nil {
			return err
		}

		log.Info().Str("service", "conference").Str("meeting", c.state.meetingID).Msg("left meeting")
		c.endMeeting()

		return nil
	})
}

func (c *Client) TerminateMeeting(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.state.meetingID == "" {
			return ErrNotInMeeting
		}
		return c.signaler.Send(signal.NewTerminateMeeting(c.state.meetingID))
	})
}

// SendText posts a chat message to the current meeting. It shows up in the
// chat log when the relay echoes it back.
func (c *Client) SendText(ctx context.Context, content string) error {
	return c.call(ctx, func() error {
		if c.state.meetingID == "" {
			return ErrNotInMeeting
		}
		return c.signaler.Send(signal.NewTextMessage(c.state.meetingID, content))
	})
}

// StartLocalStream replaces the local source with one of kind and waits
// until its tracks are attached to every session.
func (c *Client) StartLocalStream(ctx context.Context, kind core.SourceKind) error {
	result := make(chan error, 1)
	if !c.post(func() {
		c.media.StartSource(ctx, kind, func(err error) {
			c.publish()
			result <- err
		})
	}) {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *Client) StopLocalStream(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.media.StopSource()
		return nil
	})
}

// Streams returns the remote streams received so far.
func (c *Client) Streams() []sink.RemoteStream {
	return c.sink.Streams()
}
