package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/metrics"
	"github.com/saintparish4/rendezvous/internal/notify"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// maxFrameSize bounds a single push frame.
const maxFrameSize = 1 << 16

// channel owns the push WebSocket. Its read goroutine is the only producer for the
// notification queue.
type channel struct {
	conn  *websocket.Conn
	queue *notify.Queue
	clock clock.Clock

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	// onFrame handles each parsed frame on the read goroutine. It must not block on
	// the network: pongs are only processed while the read goroutine is reading.
	onFrame func(ch *channel, n *types.Notification, f *PushFrame)

	pong  chan struct{}
	pongs atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	failed sync.Once

	logger *zap.Logger
}

func newChannel(conn *websocket.Conn, queue *notify.Queue, cfg Config, logger *zap.Logger) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:         conn,
		queue:        queue,
		clock:        cfg.Clock,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: cfg.WriteTimeout,
		pong:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.Named("channel"),
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		ch.pongs.Add(1)
		select {
		case ch.pong <- struct{}{}:
		default:
		}
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		ch.logger.Debug("ping from service")
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(ch.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return ch
}

func (ch *channel) start() {
	ch.wg.Add(2)
	go ch.readLoop()
	go ch.pingLoop()
}

// readLoop parses frames until the connection dies or the channel is stopped.
func (ch *channel) readLoop() {
	defer ch.wg.Done()

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if ch.ctx.Err() == nil {
				ch.fail(types.NewError(types.KindChannelLost, "read push frame", err))
			}
			return
		}

		n, f, err := ParseFrame(data)
		if err != nil {
			ch.logger.Warn("dropping unparseable frame", zap.Error(err), zap.Int("size", len(data)))
			continue
		}
		ch.logger.Debug("notification", zap.Stringer("type", n.Type), zap.String("data_type", f.DataType))
		ch.onFrame(ch, n, f)
	}
}

// spawn runs fn on a goroutine that stop waits for. fn gets the channel context.
func (ch *channel) spawn(fn func(ctx context.Context)) {
	if ch.ctx.Err() != nil {
		return
	}
	ch.wg.Add(1)
	go func() {
		defer ch.wg.Done()
		fn(ch.ctx)
	}()
}

// pingLoop pings every pingInterval and fails the channel when a ping goes
// unanswered for pongTimeout.
func (ch *channel) pingLoop() {
	defer ch.wg.Done()

	ticker := ch.clock.Ticker(ch.pingInterval)
	defer ticker.Stop()

	var deadline *clock.Timer
	var expired <-chan time.Time
	for {
		select {
		case <-ch.ctx.Done():
			if deadline != nil {
				deadline.Stop()
			}
			return

		case <-ticker.C:
			if expired != nil {
				continue
			}
			if err := ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ch.writeTimeout)); err != nil {
				ch.fail(types.NewError(types.KindChannelLost, "send ping", err))
				return
			}
			metrics.ChannelPingsTotal.Inc()
			deadline = ch.clock.Timer(ch.pongTimeout)
			expired = deadline.C

		case <-ch.pong:
			if deadline != nil {
				deadline.Stop()
				deadline, expired = nil, nil
			}

		case <-expired:
			ch.fail(types.NewError(types.KindChannelLost, "wait pong", errors.New("no pong from service")))
			return
		}
	}
}

// fail closes the queue with err and tears the connection down.
func (ch *channel) fail(err error) {
	if ch.ctx.Err() != nil {
		return
	}
	ch.failed.Do(func() {
		metrics.ChannelLostTotal.Inc()
		ch.logger.Error("push channel lost", zap.Error(err))
		ch.queue.Close(err)
		ch.cancel()
		ch.conn.Close()
	})
}

// stop closes the connection and waits for every goroutine. Safe to call repeatedly.
func (ch *channel) stop() error {
	var err error
	ch.once.Do(func() {
		alive := ch.ctx.Err() == nil
		ch.cancel()
		if alive {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ch.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ch.writeTimeout))
		}
		if cerr := ch.conn.Close(); cerr != nil && alive {
			err = types.NewError(types.KindTransport, "close push channel", cerr)
		}
		ch.wg.Wait()
	})
	return err
}
