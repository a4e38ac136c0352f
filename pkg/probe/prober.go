package probe

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/metrics"
	"github.com/saintparish4/rendezvous/pkg/netutil"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// Config tunes the probe schedule.
type Config struct {
	// RetryInterval is the pause between request rounds
	RetryInterval time.Duration `yaml:"retry_interval"`

	// MaxRounds bounds the rounds sent before the peer has shown any sign of life
	MaxRounds int `yaml:"max_rounds"`

	// GraceWindow is how long to keep going after the first packet from the peer
	GraceWindow time.Duration `yaml:"grace_window"`

	// MaxDerived caps the candidates learned from unknown source addresses
	MaxDerived int `yaml:"max_derived"`

	Clock  clock.Clock `yaml:"-"`
	Logger *zap.Logger `yaml:"-"`
}

// DefaultConfig returns the standard schedule: 20 rounds 0.5s apart and a 5s grace
// window.
func DefaultConfig() Config {
	return Config{
		RetryInterval: 500 * time.Millisecond,
		MaxRounds:     20,
		GraceWindow:   5 * time.Second,
		MaxDerived:    3,
	}
}

// Request describes one probe run. The prober owns Sockets from the moment Probe is
// called: the winner is returned connected, every other socket is closed.
type Request struct {
	// Sockets to probe from. Sockets[0] is the one announced to the peer; the rest
	// open extra NAT mappings.
	Sockets []*net.UDPConn

	// Local and Static are our own candidates, used to fill the mapped address of
	// the selected remote candidate.
	Local  types.Candidate
	Static *types.Candidate

	Remote []types.Candidate

	LocalSID      uint16
	PeerSID       uint16
	LocalHashedID [20]byte
	PeerHashedID  [20]byte
}

// Result is a confirmed path to the peer.
type Result struct {
	Conn      *net.UDPConn
	Remote    *net.UDPAddr
	Candidate types.Candidate

	// Observed is our address as the peer saw it, when the peer reported one
	Observed *net.UDPAddr
	Derived  []types.Candidate
	Rounds   int
	RTT      time.Duration
}

// LocalPort returns the port of the connected socket.
func (r *Result) LocalPort() int {
	return r.Conn.LocalAddr().(*net.UDPAddr).Port
}

func (r *Result) String() string {
	return fmt.Sprintf("%s <-> %s (%s, RTT: %v)", r.Conn.LocalAddr(), r.Remote, r.Candidate.Type, r.RTT)
}

// Prober runs probe sessions.
type Prober struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a prober. Zero fields take their defaults.
func New(cfg Config) *Prober {
	def := DefaultConfig()
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	if cfg.MaxDerived < 0 {
		cfg.MaxDerived = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Prober{cfg: cfg, logger: cfg.Logger.Named("probe")}
}

// target is one remote address being probed.
type target struct {
	cand      types.Candidate
	addr      *net.UDPAddr
	responded bool // answered one of our requests
	requested bool // sent us a request we answered
	sock      int  // socket that received the response
	observed  *net.UDPAddr
	rtt       time.Duration
}

func (t *target) confirmed() bool {
	return t.responded && t.requested
}

type inbound struct {
	sock int
	from *net.UDPAddr
	data []byte
}

// run is the state of a single Probe call.
type run struct {
	p   *Prober
	req Request

	txid    [5]byte
	request []byte
	sentAt  time.Time

	targets map[string]*target
	order   []*target
	derived []types.Candidate
	alive   bool // the peer has sent something valid
	rounds  int
}

// Probe checks every remote candidate from every socket until one is confirmed in
// both directions. HostUnreachable when the peer never answers.
func (p *Prober) Probe(ctx context.Context, req Request) (*Result, error) {
	if len(req.Sockets) == 0 {
		return nil, types.NewError(types.KindTransport, "probe", errors.New("no sockets"))
	}

	r := &run{p: p, req: req, targets: make(map[string]*target)}
	if _, err := rand.Read(r.txid[:]); err != nil {
		closeAll(req.Sockets, nil)
		return nil, types.NewError(types.KindTransport, "probe", err)
	}
	pkt := Packet{
		Type:          TypeRequest,
		LocalHashedID: req.LocalHashedID,
		PeerHashedID:  req.PeerHashedID,
		LocalSID:      req.LocalSID,
		PeerSID:       req.PeerSID,
		TxID:          r.txid,
	}
	r.request, _ = pkt.MarshalBinary()

	for _, c := range req.Remote {
		r.addTarget(c)
	}

	res, err := r.loop(ctx)
	if err != nil {
		closeAll(req.Sockets, nil)
		return nil, err
	}
	return res, nil
}

func (r *run) addTarget(c types.Candidate) *target {
	ip := net.ParseIP(c.Addr)
	if ip == nil || ip.IsUnspecified() || c.Port <= 0 || c.Port > 65535 {
		r.p.logger.Debug("skipping candidate", zap.Stringer("candidate", c))
		return nil
	}
	addr := &net.UDPAddr{IP: ip, Port: c.Port}
	if t, ok := r.targets[addr.String()]; ok {
		return t
	}
	t := &target{cand: c, addr: addr, sock: -1}
	r.targets[addr.String()] = t
	r.order = append(r.order, t)
	return t
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	packets := make(chan inbound, 64)
	readErrs := make(chan error, len(r.req.Sockets))
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i, conn := range r.req.Sockets {
		wg.Add(1)
		go func(i int, conn *net.UDPConn) {
			defer wg.Done()
			readLoop(i, conn, packets, readErrs, done)
		}(i, conn)
	}
	stopReaders := func() {
		close(done)
		now := time.Now()
		for _, conn := range r.req.Sockets {
			conn.SetReadDeadline(now)
		}
		wg.Wait()
	}

	clk := r.p.cfg.Clock
	ticker := clk.Ticker(r.p.cfg.RetryInterval)
	defer ticker.Stop()
	var grace *clock.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	r.sendRound()
	deadSockets := 0

	for {
		select {
		case <-ctx.Done():
			stopReaders()
			return nil, types.FromContext("probe", ctx.Err())

		case err := <-readErrs:
			deadSockets++
			r.p.logger.Warn("probe socket failed", zap.Error(err))
			if deadSockets == len(r.req.Sockets) {
				stopReaders()
				return nil, types.NewError(types.KindTransport, "probe", err)
			}

		case in := <-packets:
			t := r.handle(in)
			if r.alive && graceC == nil {
				grace = clk.Timer(r.p.cfg.GraceWindow)
				graceC = grace.C
			}
			if t != nil && t.confirmed() {
				stopReaders()
				return r.finish(ctx, t)
			}

		case <-ticker.C:
			if !r.alive && r.rounds >= r.p.cfg.MaxRounds {
				stopReaders()
				return nil, types.NewError(types.KindHostUnreachable, "probe",
					fmt.Errorf("no answer from %d candidates after %d rounds", len(r.order), r.rounds))
			}
			r.sendRound()

		case <-graceC:
			stopReaders()
			if t := r.best(); t != nil {
				r.p.logger.Info("grace window over, taking half-confirmed candidate", zap.Stringer("remote", t.addr))
				return r.finish(ctx, t)
			}
			return nil, types.NewError(types.KindHostUnreachable, "probe", errors.New("peer never answered a request"))
		}
	}
}

// readLoop forwards every datagram until done is closed or the socket fails.
func readLoop(i int, conn *net.UDPConn, out chan<- inbound, errs chan<- error, done <-chan struct{}) {
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
			default:
				errs <- err
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- inbound{sock: i, from: from, data: data}:
		case <-done:
			return
		}
	}
}

// sendRound fires a request at every target from every socket of the same family.
// Once the peer is alive only targets that have answered are retried.
func (r *run) sendRound() {
	r.rounds++
	metrics.ProbeRoundsTotal.Inc()
	if r.sentAt.IsZero() {
		r.sentAt = r.p.cfg.Clock.Now()
	}
	for _, t := range r.order {
		if r.alive && !t.responded && !t.requested {
			continue
		}
		r.sendRequest(t)
	}
}

func (r *run) sendRequest(t *target) {
	for _, conn := range r.req.Sockets {
		if !sameFamily(conn, t.addr) {
			continue
		}
		if _, err := conn.WriteToUDP(r.request, t.addr); err != nil {
			r.p.logger.Debug("send request failed", zap.Stringer("remote", t.addr), zap.Error(err))
			continue
		}
		metrics.ProbePacketsTotal.WithLabelValues("out", TypeRequest.String()).Inc()
	}
}

// handle processes one datagram and returns the target it concerned, if any.
func (r *run) handle(in inbound) *target {
	var pkt Packet
	if err := pkt.UnmarshalBinary(in.data); err != nil {
		metrics.ProbePacketsTotal.WithLabelValues("in", "invalid").Inc()
		r.p.logger.Debug("dropping packet", zap.Stringer("from", in.from), zap.Error(err))
		return nil
	}
	metrics.ProbePacketsTotal.WithLabelValues("in", pkt.Type.String()).Inc()

	// The sender's peer id is ours
	if pkt.PeerHashedID != r.req.LocalHashedID {
		r.p.logger.Debug("dropping packet for another session", zap.Stringer("from", in.from))
		return nil
	}

	switch pkt.Type {
	case TypeRequest:
		r.respond(in, &pkt)
		t := r.lookup(in.from)
		if t == nil {
			return nil
		}
		r.alive = true
		if !t.requested {
			t.requested = true
			// Answer back right away so the peer does not wait for our next round
			r.sendRequest(t)
		}
		return t

	case TypeResponse:
		if pkt.TxID != r.txid {
			r.p.logger.Debug("response with unknown txid", zap.Stringer("from", in.from))
			return nil
		}
		t := r.lookup(in.from)
		if t == nil {
			return nil
		}
		r.alive = true
		if !t.responded {
			t.responded = true
			t.sock = in.sock
			t.observed = pkt.Observed
			t.rtt = r.p.cfg.Clock.Since(r.sentAt)
			r.p.logger.Debug("response", zap.Stringer("remote", t.addr), zap.Stringer("observed", pkt.Observed))
		}
		return t
	}
	return nil
}

func (r *run) respond(in inbound, req *Packet) {
	resp := Packet{
		Type:          TypeResponse,
		LocalHashedID: r.req.LocalHashedID,
		PeerHashedID:  r.req.PeerHashedID,
		LocalSID:      r.req.LocalSID,
		PeerSID:       r.req.PeerSID,
		TxID:          req.TxID,
	}
	if in.from.IP.To4() != nil {
		resp.Observed = in.from
	}
	b, err := resp.MarshalBinary()
	if err != nil {
		r.p.logger.Debug("encode response", zap.Error(err))
		return
	}
	if _, err := r.req.Sockets[in.sock].WriteToUDP(b, in.from); err != nil {
		r.p.logger.Debug("send response failed", zap.Stringer("remote", in.from), zap.Error(err))
		return
	}
	metrics.ProbePacketsTotal.WithLabelValues("out", TypeResponse.String()).Inc()
}

// lookup finds the target for a source address, registering a derived candidate
// for unknown sources while the cap allows.
func (r *run) lookup(from *net.UDPAddr) *target {
	key := (&net.UDPAddr{IP: normalizeIP(from.IP), Port: from.Port}).String()
	if t, ok := r.targets[key]; ok {
		return t
	}
	if len(r.derived) >= r.p.cfg.MaxDerived {
		r.p.logger.Debug("derived candidate limit reached", zap.Stringer("from", from))
		return nil
	}
	c := types.Candidate{
		Type:       types.CandidateDerived,
		Addr:       normalizeIP(from.IP).String(),
		MappedAddr: "0.0.0.0",
		Port:       from.Port,
	}
	t := r.addTarget(c)
	if t == nil {
		return nil
	}
	r.derived = append(r.derived, c)
	metrics.DerivedCandidatesTotal.Inc()
	r.p.logger.Info("derived candidate", zap.Stringer("candidate", c))
	return t
}

// best returns the first target that answered a request.
func (r *run) best() *target {
	for _, t := range r.order {
		if t.responded {
			return t
		}
	}
	return nil
}

// finish keeps the winning socket, closes the rest and connects the winner to the
// peer. Readers must be stopped.
func (r *run) finish(ctx context.Context, t *target) (*Result, error) {
	sock := t.sock
	if sock < 0 {
		sock = 0
	}
	winner := r.req.Sockets[sock]
	closeAll(r.req.Sockets, winner)
	winner.SetReadDeadline(time.Time{})

	conn, err := netutil.Connect(ctx, winner, t.addr)
	if err != nil {
		winner.Close()
		return nil, err
	}

	selected := t.cand
	mapped := r.req.Local
	if selected.Type != types.CandidateLocal && !netutil.IsPrivateIP(t.addr.IP) && r.req.Static != nil {
		mapped = *r.req.Static
	}
	selected.MappedAddr = mapped.Addr
	selected.MappedPort = mapped.Port

	res := &Result{
		Conn:      conn,
		Remote:    t.addr,
		Candidate: selected,
		Observed:  t.observed,
		Derived:   r.derived,
		Rounds:    r.rounds,
		RTT:       t.rtt,
	}
	r.p.logger.Info("candidate selected", zap.Stringer("result", res))
	return res, nil
}

func closeAll(socks []*net.UDPConn, keep *net.UDPConn) {
	for _, s := range socks {
		if s != keep {
			s.Close()
		}
	}
}

func sameFamily(conn *net.UDPConn, addr *net.UDPAddr) bool {
	la, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return true
	}
	if la.IP.To4() != nil {
		return addr.IP.To4() != nil
	}
	return true
}

func normalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}
