package signal

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/telemetry"
)

const (
	defaultHandshakeTimeout = 45 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultMaxMessageSize   = 200 * 1024
)

type DialOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	Header           http.Header
	// Jar carries relay session cookies. A public suffix aware jar is
	// created when nil.
	Jar http.CookieJar
}

// Channel is the single control connection to the signaling relay.
type Channel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeLock sync.Mutex

	lock     sync.Mutex
	handler  func(*Message)
	onClose  func(error)
	started  bool
	closed   bool
	closeErr error

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the relay. Reading starts with Start.
func Connect(ctx context.Context, rawURL string, opts DialOptions) (*Channel, error) {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		opts.Jar = jar
	}

	dialer := &websocket.Dialer{
		Jar:              opts.Jar,
		HandshakeTimeout: opts.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(opts.MaxMessageSize)

	log.Info().Str("service", "signal").Str("url", rawURL).Msg("connected to relay")

	return &Channel{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}, nil
}

// OnMessage sets the handler invoked for every decoded message, one at a
// time and in the order the relay sent them. Must be called before Start.
func (c *Channel) OnMessage(handler func(*Message)) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.handler = handler
}

// OnClose sets the handler invoked once the connection is gone, with the
// read error that ended it or nil after Close.
func (c *Channel) OnClose(handler func(error)) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.onClose = handler
}

func (c *Channel) Start() {
	c.lock.Lock()
	if c.started {
		c.lock.Unlock()
		return
	}
	c.started = true
	c.lock.Unlock()

	go c.readLoop()
}

// Done is closed when the channel stops reading.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) readLoop() {
	var readErr error

	defer func() {
		c.shutdown(readErr)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.lock.Lock()
			closing := c.closed
			c.lock.Unlock()

			if !closing && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				readErr = err
				log.Error().Err(err).Str("service", "signal").Msg("read error")
			}
			return
		}

		msg, err := MessageFromReader(bytes.NewReader(data))
		if err != nil {
			log.Error().Err(err).Str("service", "signal").Bytes("payload", data).Msg("drop message")
			continue
		}
		telemetry.SignalingCounter.WithLabelValues("in", string(msg.Type)).Inc()

		c.lock.Lock()
		handler := c.handler
		c.lock.Unlock()

		if handler != nil {
			handler(msg)
		}
	}
}

// Send writes msg to the relay. It fails with core.ErrChannelClosed once the
// connection is closed.
func (c *Channel) Send(msg *Message) error {
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return core.ErrChannelClosed
	}

	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return errors.Join(core.ErrChannelClosed, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Join(core.ErrChannelClosed, err)
	}
	telemetry.SignalingCounter.WithLabelValues("out", string(msg.Type)).Inc()

	return nil
}

// Close sends a close frame and waits for the reader to stop. Safe to call
// more than once, but not from the message handler.
func (c *Channel) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.lock.Unlock()

	c.writeLock.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeLock.Unlock()

	err := c.conn.Close()

	if started {
		<-c.done
	} else {
		c.shutdown(nil)
	}

	return err
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.lock.Lock()
		c.closed = true
		c.closeErr = err
		onClose := c.onClose
		c.lock.Unlock()

		_ = c.conn.Close()
		close(c.done)

		log.Info().Str("service", "signal").Msg("relay connection closed")

		if onClose != nil {
			onClose(err)
		}
	})
}

// Err returns the error that ended the connection, if any.
func (c *Channel) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.closeErr
}
