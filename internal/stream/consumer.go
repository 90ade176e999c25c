package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"fedwatch/internal/guard"
	"fedwatch/internal/metrics"
	"fedwatch/internal/platform"
)

// Event kinds the gateway emits.
const (
	KindMemberJoin = "member_join"
	KindMessage    = "message"
	KindBlock      = "block"
	KindUnblock    = "unblock"
)

// GatewayEvent is one frame from the gateway event feed.
type GatewayEvent struct {
	// Seq orders events within the feed. The gateway emits Unix
	// microsecond timestamps here, which the reconnect rewind relies
	// on: cursor arithmetic treats one second as 1e6 sequence units.
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"`
	DomainID string `json:"domain_id"`

	// Member is set for member_join events.
	Member *platform.Member `json:"member,omitempty"`

	// Message is set for message events.
	Message *MessageEvent `json:"message,omitempty"`

	// TargetID is set for block and unblock events.
	TargetID string `json:"target_id,omitempty"`
}

// MessageEvent is the message payload inside a gateway event.
type MessageEvent struct {
	ChannelID  string    `json:"channel_id"`
	ActorID    string    `json:"actor_id"`
	ActorRoles []string  `json:"actor_roles,omitempty"`
	Automated  bool      `json:"automated,omitempty"`
	Content    string    `json:"content"`
	ContentRef string    `json:"content_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sink receives dispatched events. *guard.Guard satisfies it.
type Sink interface {
	OnMemberJoin(ctx context.Context, domainID string, m platform.Member) error
	OnMessage(ctx context.Context, msg guard.Message) error
	OnBlockObserved(ctx context.Context, domainID, targetID string) error
	OnUnblockObserved(ctx context.Context, domainID, targetID string) error
}

// CursorStore persists the stream position across restarts.
type CursorStore interface {
	GetCursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, cursor int64) error
}

// Consumer consumes gateway events and feeds them to the sink.
type Consumer struct {
	config  *Config
	sink    Sink
	cursors CursorStore

	// Connection state
	conn               *websocket.Conn
	connMu             sync.Mutex
	currentEndpointIdx int

	// Zstd decoder for compressed frames
	zstdDecoder *zstd.Decoder

	// Cursor for resume
	cursor atomic.Int64

	// Stats
	eventsReceived atomic.Int64
	bytesReceived  atomic.Int64

	// Control
	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer creates a gateway event stream consumer. cursors may be
// nil, in which case every connection starts from the live tail.
func NewConsumer(config *Config, sink Sink, cursors CursorStore) (*Consumer, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("stream: no endpoints configured")
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	c := &Consumer{
		config:      config,
		sink:        sink,
		cursors:     cursors,
		stopCh:      make(chan struct{}),
		zstdDecoder: decoder,
	}

	if cursors != nil {
		if cursor, err := cursors.GetCursor(context.Background()); err == nil && cursor > 0 {
			c.cursor.Store(cursor)
			log.Info().Int64("cursor", cursor).Msg("stream: loaded cursor")
		}
	}

	return c, nil
}

// Start begins consuming events in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop gracefully stops the consumer and persists the cursor.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()

	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}

	if c.cursors != nil {
		if cursor := c.cursor.Load(); cursor > 0 {
			if err := c.cursors.SetCursor(context.Background(), cursor); err != nil {
				log.Warn().Err(err).Msg("stream: failed to persist cursor on stop")
			}
		}
	}
}

// IsConnected reports whether the consumer currently holds a live
// connection.
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns consumer counters.
func (c *Consumer) Stats() (eventsReceived, bytesReceived int64) {
	return c.eventsReceived.Load(), c.bytesReceived.Load()
}

func (c *Consumer) run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stream: context cancelled, stopping consumer")
			return
		case <-c.stopCh:
			log.Info().Msg("stream: stop requested, stopping consumer")
			return
		default:
		}

		endpoint := c.config.Endpoints[c.currentEndpointIdx]
		err := c.connectAndConsume(ctx, endpoint)

		if err != nil {
			c.connected.Store(false)
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("stream: connection error")

			// Rotate to next endpoint
			c.currentEndpointIdx = (c.currentEndpointIdx + 1) % len(c.config.Endpoints)

			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = time.Second
		}
	}
}

func (c *Consumer) connectAndConsume(ctx context.Context, endpoint string) error {
	wsURL, err := c.buildWebSocketURL(endpoint)
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	log.Info().Str("url", wsURL).Msg("stream: connecting to gateway")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connected.Store(true)
	metrics.StreamConnectionState.Set(1)
	log.Info().Str("endpoint", endpoint).Msg("stream: connected to gateway")

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.connected.Store(false)
		metrics.StreamConnectionState.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		c.bytesReceived.Add(int64(len(message)))

		if err := c.processMessage(ctx, message); err != nil {
			metrics.StreamErrorsTotal.Inc()
			log.Warn().Err(err).Msg("stream: failed to process event")
		}
	}
}

func (c *Consumer) buildWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()

	for _, d := range c.config.Domains {
		q.Add("domains", d)
	}

	if c.config.Compress {
		q.Set("compress", "true")
	}

	// Resume five seconds behind the persisted position to cover any
	// gap. Valid only because Seq values are microsecond timestamps;
	// see GatewayEvent.Seq.
	cursor := c.cursor.Load()
	if cursor > 0 {
		cursor -= 5 * time.Second.Microseconds()
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Consumer) processMessage(ctx context.Context, data []byte) error {
	// Zstd frames start with magic number 0x28 0xB5 0x2F 0xFD.
	if c.config.Compress && len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		decompressed, err := c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress frame: %w", err)
		}
		data = decompressed
	}

	var event GatewayEvent
	if err := json.Unmarshal(data, &event); err != nil {
		preview := data
		if len(preview) > 50 {
			preview = preview[:50]
		}
		return fmt.Errorf("failed to unmarshal event (first bytes: %q): %w", preview, err)
	}

	c.eventsReceived.Add(1)

	if event.Seq > 0 {
		c.cursor.Store(event.Seq)

		// Persist the cursor periodically so a crash resumes close to
		// where it left off.
		if c.cursors != nil && c.eventsReceived.Load()%500 == 0 {
			if err := c.cursors.SetCursor(ctx, event.Seq); err != nil {
				log.Warn().Err(err).Msg("stream: failed to persist cursor")
			}
		}
	}

	metrics.StreamEventsTotal.WithLabelValues(event.Kind).Inc()

	log.Debug().
		Str("kind", event.Kind).
		Str("domain", event.DomainID).
		Int64("seq", event.Seq).
		Msg("stream: processing event")

	switch event.Kind {
	case KindMemberJoin:
		if event.Member == nil {
			return fmt.Errorf("member_join event without member payload")
		}
		return c.sink.OnMemberJoin(ctx, event.DomainID, *event.Member)

	case KindMessage:
		if event.Message == nil {
			return fmt.Errorf("message event without message payload")
		}
		m := event.Message
		return c.sink.OnMessage(ctx, guard.Message{
			DomainID:   event.DomainID,
			ChannelID:  m.ChannelID,
			ActorID:    m.ActorID,
			ActorRoles: m.ActorRoles,
			Automated:  m.Automated,
			Content:    m.Content,
			ContentRef: m.ContentRef,
			CreatedAt:  m.CreatedAt,
		})

	case KindBlock:
		if event.TargetID == "" {
			return fmt.Errorf("block event without target")
		}
		return c.sink.OnBlockObserved(ctx, event.DomainID, event.TargetID)

	case KindUnblock:
		if event.TargetID == "" {
			return fmt.Errorf("unblock event without target")
		}
		return c.sink.OnUnblockObserved(ctx, event.DomainID, event.TargetID)

	default:
		// Gateways add event kinds over time; unknown kinds are fine.
		return nil
	}
}
