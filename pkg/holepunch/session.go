// Package holepunch negotiates direct UDP paths to a remote play host. A Session
// creates a remote session through the signaling service, starts the host, then runs
// one hole punch round per port type: control first, data second.
package holepunch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/notify"
	"github.com/saintparish4/rendezvous/internal/signaling"
	"github.com/saintparish4/rendezvous/pkg/gather"
	"github.com/saintparish4/rendezvous/pkg/probe"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// Session drives one client through session setup and the hole punch rounds.
// Methods other than Cancel must be called from one goroutine.
type Session struct {
	cfg      Config
	queue    *notify.Queue
	client   *signaling.Client
	gatherer *gather.Gatherer
	prober   *probe.Prober
	logger   *zap.Logger

	// canceled by Cancel; every blocking call is bound to it
	ctx    context.Context
	cancel context.CancelFunc

	localSID uint16
	hashedID [20]byte

	mu          sync.Mutex
	reqID       int
	conns       map[types.PortType]*Connection
	customData1 [16]byte
	localIP     net.IP

	closeOnce sync.Once
	closeErr  error
}

// New creates a session. Nothing touches the network until Create.
func New(cfg Config) (*Session, error) {
	cfg.setDefaults()
	logger := cfg.Logger.Named("holepunch")

	queue := notify.New(cfg.Logger)
	client, err := signaling.NewClient(cfg.Signaling, queue)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		queue:    queue,
		client:   client,
		gatherer: gather.New(cfg.Gather),
		prober:   probe.New(cfg.Probe),
		logger:   logger,
		reqID:    1,
		conns:    make(map[types.PortType]*Connection),
	}
	var sid [2]byte
	if _, err := rand.Read(sid[:]); err != nil {
		return nil, fmt.Errorf("generate sid: %w", err)
	}
	s.localSID = binary.BigEndian.Uint16(sid[:])
	if _, err := rand.Read(s.hashedID[:]); err != nil {
		return nil, fmt.Errorf("generate hashed id: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Client exposes the signaling client, for device listing and diagnostics.
func (s *Session) Client() *signaling.Client {
	return s.client
}

// State returns the session state bitmask.
func (s *Session) State() types.SessionState {
	return s.queue.State()
}

// bind derives a context that also ends when the session is canceled.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Create opens the push channel and creates the remote session.
func (s *Session) Create(ctx context.Context) error {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	if err := s.client.OpenChannel(ctx); err != nil {
		return err
	}
	id, err := s.client.CreateSession(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("session created", zap.String("session_id", id))
	return nil
}

// Start asks host to join the session and waits until it has.
func (s *Session) Start(ctx context.Context, host signaling.Device) error {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	if !s.queue.Has(types.StateCreated) {
		return types.NewError(types.KindProtocol, "start session", fmt.Errorf("session not created"))
	}
	cd1, err := s.client.StartSession(ctx, host)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.customData1 = cd1
	s.mu.Unlock()
	s.logger.Info("host joined", zap.String("device", host.Name), zap.String("duid", host.DUID))
	return nil
}

// EstablishedSocket returns the connected socket for pt, nil before that round
// has succeeded.
func (s *Session) EstablishedSocket(pt types.PortType) *net.UDPConn {
	if c := s.Connection(pt); c != nil {
		return c.Conn
	}
	return nil
}

// Connection returns the established connection for pt, or nil.
func (s *Session) Connection(pt types.PortType) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[pt]
}

// SelectedRemoteAddress returns the host address chosen by the most recent round,
// nil before any round has succeeded.
func (s *Session) SelectedRemoteAddress() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[types.PortData]; ok {
		return c.Remote
	}
	if c, ok := s.conns[types.PortCtrl]; ok {
		return c.Remote
	}
	return nil
}

// RegistInfo returns the values needed to register with the host.
func (s *Session) RegistInfo() types.RegistInfo {
	data1, data2, _ := s.client.RegistData()
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.RegistInfo{
		Data1:       data1,
		Data2:       data2,
		CustomData1: s.customData1,
		LocalIP:     s.localIP,
	}
}

// Cancel makes every pending and future wait return Canceled. With stopChannel the
// push channel is closed too.
func (s *Session) Cancel(stopChannel bool) {
	s.logger.Info("canceling session", zap.Bool("stop_channel", stopChannel))
	s.cancel()
	s.queue.Cancel()
	if stopChannel {
		if err := s.client.StopChannel(); err != nil {
			s.logger.Debug("stop channel", zap.Error(err))
		}
	}
}

// Close leaves the remote session and releases what the session holds. Established
// sockets stay open; they belong to the caller. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.teardown()
	})
	return s.closeErr
}

func (s *Session) teardown() error {
	var err error

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeleteTimeout)
	defer cancel()

	if s.client.SessionID() != "" {
		if derr := s.client.DeleteSession(ctx); derr != nil {
			err = multierr.Append(err, derr)
		} else if _, werr := s.queue.Wait(ctx, types.NotificationMemberDeleted, 0); werr != nil {
			s.logger.Warn("no member deleted notification", zap.Error(werr))
		} else {
			s.queue.AddState(types.StateDeleted)
		}
	}

	s.cancel()
	err = multierr.Append(err, s.client.StopChannel())
	err = multierr.Append(err, s.gatherer.ReleaseMappings(ctx))

	if err != nil {
		s.logger.Warn("session closed with errors", zap.Error(err))
	} else {
		s.logger.Info("session closed")
	}
	return err
}

func (s *Session) nextReqID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.reqID
	s.reqID++
	return id
}
