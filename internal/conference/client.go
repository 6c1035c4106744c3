// Package conference runs the control loop of a mesh meeting client.
package conference

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/media"
	"github.com/isqad/livelook-mesh/internal/peer"
	"github.com/isqad/livelook-mesh/internal/signal"
	"github.com/isqad/livelook-mesh/internal/sink"
)

const (
	eventQueueSize      = 256
	defaultHistoryLimit = 500
)

var (
	ErrNotInMeeting = errors.New("not in a meeting")
	ErrStopped      = errors.New("client stopped")
)

type Options struct {
	Signaler     peer.Signaler
	NewTransport peer.TransportFactory
	Acquirer     media.Acquirer
	// Sink receives remote tracks. A new one is created when nil.
	Sink *sink.Sink
	// HistoryLimit bounds the chat log, zero picks the default.
	HistoryLimit int
}

// Client owns every piece of meeting state. All mutations run on the single
// goroutine executing Run; the exported methods are safe for concurrent use.
type Client struct {
	signaler peer.Signaler
	router   *signal.Router
	peers    *peer.Manager
	media    *media.Controller
	sink     *sink.Sink

	events   chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	closed   chan error

	state        state
	historyLimit int
	dirty        bool

	snapshotLock sync.RWMutex
	snapshot     Snapshot
	subscribers  map[chan struct{}]struct{}
}

func NewClient(opts Options) *Client {
	c := &Client{
		signaler:     opts.Signaler,
		router:       signal.NewRouter(),
		sink:         opts.Sink,
		events:       make(chan func(), eventQueueSize),
		stopped:      make(chan struct{}),
		closed:       make(chan error, 1),
		historyLimit: opts.HistoryLimit,
		subscribers:  make(map[chan struct{}]struct{}),
	}
	if c.sink == nil {
		c.sink = sink.New()
	}
	if c.historyLimit <= 0 {
		c.historyLimit = defaultHistoryLimit
	}

	c.peers = peer.NewManager(peer.Options{
		Loop:         c,
		Signaler:     opts.Signaler,
		NewTransport: opts.NewTransport,
	})
	c.media = media.NewController(c, opts.Acquirer, c.peers)
	c.peers.SetTrackSource(c.media)

	c.peers.OnStateChange(func(core.PeerID, peer.State) { c.changed() })
	c.peers.OnRemoteTrack(c.handleRemoteTrack)
	c.peers.OnSessionClosed(c.handleSessionClosed)
	c.peers.OnNegotiationFailure(c.handleNegotiationFailure)
	c.media.OnChange(func(core.SourceKind) { c.changed() })

	c.route()
	c.snapshot = c.state.snapshot(nil)

	return c
}

// Run executes the control loop until ctx is done or the signaling channel
// closes, in which case it returns core.ErrChannelClosed. Everything is torn
// down before Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer c.stop()

	log.Info().Str("service", "conference").Msg("control loop started")

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		case err := <-c.closed:
			log.Warn().Err(err).Str("service", "conference").Msg("signaling channel closed")
			c.teardown()
			return core.ErrChannelClosed
		case fn := <-c.events:
			fn()
			c.publish()
		}
	}
}

// Go runs work on its own goroutine and its continuation on the loop.
func (c *Client) Go(work func() func()) {
	go func() {
		if next := work(); next != nil {
			c.Post(next)
		}
	}()
}

// Post queues fn for the loop. It is dropped once the loop has stopped.
func (c *Client) Post(fn func()) {
	c.post(fn)
}

func (c *Client) post(fn func()) bool {
	select {
	case <-c.stopped:
		return false
	default:
	}

	select {
	case c.events <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// HandleMessage feeds a message read from the relay into the loop.
func (c *Client) HandleMessage(msg *signal.Message) {
	c.post(func() {
		if err := c.router.Dispatch(msg); err != nil {
			log.Warn().Err(err).Str("service", "conference").Str("type", string(msg.Type)).Msg("drop message")
		}
	})
}

// ChannelClosed tells the loop the signaling channel is gone.
func (c *Client) ChannelClosed(err error) {
	select {
	case c.closed <- err:
	default:
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		c.notify()
	})
}

// Done is closed once Run has returned.
func (c *Client) Done() <-chan struct{} {
	return c.stopped
}

func (c *Client) teardown() {
	c.peers.CloseAll()
	c.media.StopSource()
	c.sink.Clear()
	c.state.reset()
	c.changed()
	c.publish()

	log.Info().Str("service", "conference").Msg("control loop stopped")
}

func (c *Client) changed() {
	c.dirty = true
}
