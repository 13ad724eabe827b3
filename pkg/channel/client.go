// Package channel is the client side of the push channel: one websocket
// that carries conversation events in and typing/join commands out, and
// reconnects on its own.
package channel

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"gigchat/internal/constants"
	apperrors "gigchat/internal/errors"
	"gigchat/internal/metrics"
	"gigchat/internal/models"
	"gigchat/internal/retry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

const readLimitBytes = 1 << 20

// Client keeps one websocket open to the relay. After a drop it
// reconnects with backoff and re-joins the conversation it was in; events
// sent while it was away are not replayed.
type Client struct {
	url          string
	userID       string
	writeTimeout time.Duration
	backoff      *retry.Backoff
	logger       *logrus.Logger
	errLogger    *apperrors.Logger
	metrics      *metrics.Registry

	mu             sync.Mutex
	conn           *websocket.Conn
	conversationID string
	started        bool
	cancel         context.CancelFunc
	done           chan struct{}

	subMu       sync.Mutex
	subscribers map[int]func(Envelope)
	nextSub     int
}

func NewClient(cfg models.ChannelConfig, retryCfg models.RetryConfig, userID string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	writeTimeout := time.Duration(cfg.WriteTimeoutSec) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = time.Duration(constants.DefaultChannelWriteTimeoutSec) * time.Second
	}
	rc := retry.FromConfig(retryCfg)
	// reconnects never give up on their own
	rc.MaxAttempts = 0

	return &Client{
		url:          cfg.URL,
		userID:       userID,
		writeTimeout: writeTimeout,
		backoff:      retry.New(rc),
		logger:       logger,
		errLogger:    apperrors.WrapLogger(logger),
		metrics:      metrics.GetRegistry(),
		subscribers:  make(map[int]func(Envelope)),
	}
}

// Connect dials the relay and starts the read loop. The first dial is not
// retried so a wrong URL fails fast.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return apperrors.NewNetworkFailure("channel_connect", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(loopCtx, conn)
	c.logger.WithField("url", c.url).Info("Push channel connected")
	return nil
}

// Close stops reconnecting and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel, done, conn := c.cancel, c.done, c.conn
	c.conn = nil
	c.mu.Unlock()

	// cancelling the loop context already tears the socket down
	cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	<-done
	return nil
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Join subscribes to a conversation. While disconnected the id is kept
// and sent as soon as the socket is back.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeChannelDisconnected, "push channel not connected")
	}
	c.conversationID = conversationID
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(ctx, CommandJoin, JoinPayload{ID: conversationID})
}

// Leave unsubscribes from the current conversation.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	id := c.conversationID
	c.conversationID = ""
	connected := c.conn != nil
	c.mu.Unlock()

	if id == "" || !connected {
		return nil
	}
	return c.sendTo(ctx, CommandLeave, id, nil)
}

func (c *Client) StartTyping(ctx context.Context) error {
	return c.send(ctx, CommandTypingStart, nil)
}

func (c *Client) StopTyping(ctx context.Context) error {
	return c.send(ctx, CommandTypingStop, nil)
}

// Subscribe registers fn for every inbound event and returns its cancel
// func. Events are delivered one at a time on the read goroutine.
func (c *Client) Subscribe(fn func(Envelope)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *Client) send(ctx context.Context, eventType string, payload interface{}) error {
	c.mu.Lock()
	conversationID := c.conversationID
	c.mu.Unlock()
	return c.sendTo(ctx, eventType, conversationID, payload)
}

func (c *Client) sendTo(ctx context.Context, eventType, conversationID string, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperrors.NewChannelDisconnected(errors.New("no open socket"))
	}

	env, err := NewEnvelope(eventType, conversationID, payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode command")
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return apperrors.NewChannelDisconnected(err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-User-ID", c.userID)
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimitBytes)
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.readLoop(ctx, conn)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		c.errLogger.LogRetryableError(apperrors.NewChannelDisconnected(err), "Push channel dropped; reconnecting")
		c.dispatch(c.synthetic(EventDisconnected, ConnectionPayload{Error: errString(err)}))

		var attempts int
		err = c.backoff.Do(ctx, func(ctx context.Context, attempt int) error {
			attempts = attempt
			next, err := c.dial(ctx)
			if err != nil {
				return err
			}
			conn = next
			return nil
		}, func(attempt int, err error, wait time.Duration) {
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"wait_ms": wait.Milliseconds(),
			}).WithError(err).Debug("Push channel reconnect failed")
		})
		if err != nil {
			return
		}

		c.mu.Lock()
		if !c.started {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "client closing")
			return
		}
		c.conn = conn
		rejoin := c.conversationID
		c.mu.Unlock()

		c.metrics.IncrementCounter(metrics.ChannelReconnects, nil, "Push channel reconnections")
		if rejoin != "" {
			if err := c.send(ctx, CommandJoin, JoinPayload{ID: rejoin}); err != nil {
				c.errLogger.LogWarn(err, "Failed to re-join conversation after reconnect")
			}
		}
		c.logger.WithField("attempt", attempts).Info("Push channel reconnected")
		c.dispatch(c.synthetic(EventReconnected, ConnectionPayload{Attempt: attempts}))
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		if env.Type == "" {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.subMu.Lock()
	ids := make([]int, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Envelope), len(ids))
	for i, id := range ids {
		fns[i] = c.subscribers[id]
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
}

func (c *Client) synthetic(eventType string, payload ConnectionPayload) Envelope {
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	env, _ := NewEnvelope(eventType, id, payload)
	return env
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
