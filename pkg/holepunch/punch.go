package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/metrics"
	"github.com/saintparish4/rendezvous/pkg/gather"
	"github.com/saintparish4/rendezvous/pkg/netutil"
	"github.com/saintparish4/rendezvous/pkg/probe"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// roundStates are the state flags one round sets, in order.
type roundStates struct {
	offerReceived  types.SessionState
	offerSent      types.SessionState
	hostAccepted   types.SessionState
	clientAccepted types.SessionState
	established    types.SessionState
}

func statesFor(pt types.PortType) roundStates {
	if pt == types.PortData {
		return roundStates{
			offerReceived:  types.StateDataOfferReceived,
			offerSent:      types.StateDataOfferSent,
			hostAccepted:   types.StateDataHostAccepted,
			clientAccepted: types.StateDataClientAccepted,
			established:    types.StateDataEstablished,
		}
	}
	return roundStates{
		offerReceived:  types.StateCtrlOfferReceived,
		offerSent:      types.StateCtrlOfferSent,
		hostAccepted:   types.StateCtrlHostAccepted,
		clientAccepted: types.StateCtrlClientAccepted,
		established:    types.StateCtrlEstablished,
	}
}

// PunchHole runs one hole punch round and returns the connected socket. The
// control round must be established before the data round.
func (s *Session) PunchHole(ctx context.Context, pt types.PortType) (conn *Connection, err error) {
	op := fmt.Sprintf("punch hole %s", pt)
	switch {
	case pt == types.PortCtrl && !s.queue.Has(types.StateCustomData1Received):
		return nil, types.NewError(types.KindProtocol, op, errors.New("host has not started"))
	case pt == types.PortData && !s.queue.Has(types.StateCtrlEstablished):
		return nil, types.NewError(types.KindProtocol, op, errors.New("control port not established"))
	case s.Connection(pt) != nil:
		return nil, types.NewError(types.KindProtocol, op, errors.New("already established"))
	}

	ctx, cancel := s.bind(ctx)
	defer cancel()

	started := time.Now()
	logger := s.logger.With(zap.Stringer("port", pt))
	defer func() {
		outcome := "established"
		if err != nil {
			outcome = types.KindOf(err).String()
			logger.Warn("hole punch failed", zap.Error(err))
		} else {
			metrics.PunchDurationSeconds.Observe(time.Since(started).Seconds())
		}
		metrics.SessionsTotal.WithLabelValues(pt.String(), outcome).Inc()
	}()

	st := statesFor(pt)

	offer, err := s.client.WaitMessage(ctx, types.ActionOffer, s.cfg.MessageTimeout)
	if err != nil {
		return nil, err
	}
	hostReq := offer.ConnRequest
	if hostReq == nil {
		return nil, types.NewError(types.KindProtocol, op, errors.New("offer without connection request"))
	}
	s.queue.AddState(st.offerReceived)
	logger.Info("host offer",
		zap.Int("req_id", offer.RequestID),
		zap.Int("sid", hostReq.SID),
		zap.Int("candidates", len(hostReq.Candidates)))
	for _, c := range hostReq.Candidates {
		logger.Debug("host candidate", zap.Stringer("candidate", c))
	}

	if err := s.ack(ctx, offer.RequestID); err != nil {
		return nil, err
	}

	socks, set, err := s.openSockets(ctx)
	if err != nil {
		return nil, err
	}
	// Owned until the prober takes them
	owned := true
	defer func() {
		if owned {
			for _, c := range socks {
				c.Close()
			}
		}
	}()

	offerID := s.nextReqID()
	if err := s.sendOffer(ctx, offerID, hostReq, set); err != nil {
		return nil, err
	}
	s.queue.AddState(st.offerSent)

	if err := s.waitAck(ctx, offerID); err != nil {
		return nil, err
	}

	owned = false
	res, err := s.prober.Probe(ctx, probe.Request{
		Sockets:       socks,
		Local:         set.Local,
		Static:        set.Static,
		Remote:        hostReq.Candidates,
		LocalSID:      s.localSID,
		PeerSID:       uint16(hostReq.SID),
		LocalHashedID: s.hashedID,
		PeerHashedID:  hostReq.LocalHashedID,
	})
	if err != nil {
		return nil, err
	}
	conn = &Connection{
		PortType:  pt,
		Conn:      res.Conn,
		Remote:    res.Remote,
		Candidate: res.Candidate,
		LocalPort: res.LocalPort(),
		RTT:       res.RTT,
	}
	defer func() {
		if err != nil {
			conn.Close()
			conn = nil
		}
	}()

	natType := 2
	if res.Candidate.Type == types.CandidateLocal {
		natType = 0
	}
	accept := &types.SessionMessage{
		Action:    types.ActionAccept,
		RequestID: s.nextReqID(),
		ConnRequest: &types.ConnectionRequest{
			SID:           int(s.localSID),
			PeerSID:       hostReq.SID,
			NATType:       natType,
			Candidates:    []types.Candidate{res.Candidate},
			LocalPeerAddr: s.peerAddr(),
			LocalHashedID: s.hashedID,
		},
	}
	if err := s.client.SendMessage(ctx, accept, false); err != nil {
		return nil, err
	}
	s.queue.AddState(st.clientAccepted)

	hostAccept, err := s.client.WaitMessage(ctx, types.ActionAccept, s.cfg.MessageTimeout)
	if err != nil {
		return nil, err
	}
	s.queue.AddState(st.hostAccepted)
	if err := s.ack(ctx, hostAccept.RequestID); err != nil {
		return nil, err
	}

	conn.EstablishedAt = time.Now()
	s.mu.Lock()
	s.conns[pt] = conn
	s.localIP = set.LocalIP
	s.mu.Unlock()
	s.queue.AddState(st.established)
	logger.Info("hole punched", zap.Stringer("connection", conn), zap.Int("rounds", res.Rounds))
	return conn, nil
}

// openSockets binds the primary socket and gathers its candidates. A symmetric NAT
// gets one auxiliary socket per guessed port so each guess has a mapping of its own
// to answer on.
func (s *Session) openSockets(ctx context.Context) ([]*net.UDPConn, *gather.Set, error) {
	primary, err := netutil.ListenUDP(ctx, "udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, nil, err
	}
	set, err := s.gatherer.Gather(ctx, primary)
	if err != nil {
		primary.Close()
		return nil, nil, err
	}

	socks := []*net.UDPConn{primary}
	if n := s.cfg.auxSockets(set); n > 0 {
		for i := 0; i < n; i++ {
			aux, err := netutil.ListenUDP(ctx, "udp4", &net.UDPAddr{IP: net.IPv4zero})
			if err != nil {
				s.logger.Warn("auxiliary socket", zap.Error(err))
				break
			}
			socks = append(socks, aux)
		}
		s.logger.Debug("symmetric NAT, probing from extra sockets", zap.Int("sockets", len(socks)))
	}
	return socks, set, nil
}

func (s *Session) sendOffer(ctx context.Context, reqID int, hostReq *types.ConnectionRequest, set *gather.Set) error {
	msg := &types.SessionMessage{
		Action:    types.ActionOffer,
		RequestID: reqID,
		ConnRequest: &types.ConnectionRequest{
			SID:             int(s.localSID),
			PeerSID:         hostReq.SID,
			NATType:         2,
			Candidates:      set.Candidates(),
			DefaultRouteMAC: set.MAC,
			LocalPeerAddr:   s.peerAddr(),
			LocalHashedID:   s.hashedID,
		},
	}
	for _, c := range msg.ConnRequest.Candidates {
		s.logger.Debug("offering candidate", zap.Stringer("candidate", c))
	}
	return s.client.SendMessage(ctx, msg, false)
}

// waitAck waits for the RESULT answering reqID. Results for other requests are
// skipped.
func (s *Session) waitAck(ctx context.Context, reqID int) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MessageTimeout)
	defer cancel()
	for {
		msg, err := s.client.WaitMessage(ctx, types.ActionResult, 0)
		if err != nil {
			return err
		}
		if msg.RequestID == reqID {
			return nil
		}
		s.logger.Debug("result for another request", zap.Int("want", reqID), zap.Int("got", msg.RequestID))
	}
}

func (s *Session) ack(ctx context.Context, reqID int) error {
	return s.client.SendMessage(ctx, &types.SessionMessage{Action: types.ActionResult, RequestID: reqID}, true)
}

func (s *Session) peerAddr() *types.PeerAddr {
	return &types.PeerAddr{AccountID: s.client.AccountID(), Platform: PeerPlatform}
}
