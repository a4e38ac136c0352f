package signaling

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/notify"
	"github.com/saintparish4/rendezvous/pkg/codec"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// Config holds client settings.
type Config struct {
	BaseURL       string `yaml:"base_url"`
	PushLookupURL string `yaml:"push_lookup_url"`
	// PushURLFormat turns the looked-up fqdn into a WebSocket URL.
	PushURLFormat string `yaml:"push_url_format"`
	// PushURL skips the lookup when set.
	PushURL string `yaml:"push_url"`
	Token   string `yaml:"-"`

	ClientType          string `yaml:"client_type"`
	RepairLocalPeerAddr bool   `yaml:"repair_local_peer_addr"`

	SessionTimeout time.Duration `yaml:"session_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	HTTPClient *http.Client      `yaml:"-"`
	Dialer     *websocket.Dialer `yaml:"-"`
	Clock      clock.Clock       `yaml:"-"`
	Logger     *zap.Logger       `yaml:"-"`
}

// DefaultConfig returns the production endpoints and timings.
func DefaultConfig() Config {
	return Config{
		BaseURL:             DefaultBaseURL,
		PushLookupURL:       DefaultPushLookupURL,
		PushURLFormat:       DefaultPushURLFormat,
		ClientType:          "Windows",
		RepairLocalPeerAddr: true,
		SessionTimeout:      30 * time.Second,
		PingInterval:        5 * time.Second,
		PongTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
	}
}

// Client is one client's view of a remote play session.
type Client struct {
	cfg     Config
	http    *http.Client
	queue   *notify.Queue
	decoder codec.Decoder
	logger  *zap.Logger

	pushContextID string
	data1, data2  [16]byte

	mu          sync.Mutex
	sessionID   string
	accountID   string
	host        *Device
	customData1 [16]byte
	channel     *channel
}

// NewClient creates a client that feeds queue. A nil queue gets a fresh one.
func NewClient(cfg Config, queue *notify.Queue) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.PushLookupURL == "" {
		cfg.PushLookupURL = def.PushLookupURL
	}
	if cfg.PushURLFormat == "" {
		cfg.PushURLFormat = def.PushURLFormat
	}
	if cfg.ClientType == "" {
		cfg.ClientType = def.ClientType
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.SessionTimeout}
	}
	if queue == nil {
		queue = notify.New(cfg.Logger)
	}

	c := &Client{
		cfg:           cfg,
		http:          httpClient,
		queue:         queue,
		decoder:       codec.Decoder{RepairLocalPeerAddr: cfg.RepairLocalPeerAddr},
		logger:        cfg.Logger.Named("signaling"),
		pushContextID: uuid.NewString(),
	}
	if _, err := rand.Read(c.data1[:]); err != nil {
		return nil, fmt.Errorf("generate data1: %w", err)
	}
	if _, err := rand.Read(c.data2[:]); err != nil {
		return nil, fmt.Errorf("generate data2: %w", err)
	}
	return c, nil
}

// Queue returns the notification queue the channel feeds.
func (c *Client) Queue() *notify.Queue {
	return c.queue
}

// SessionID returns the id assigned by CreateSession.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// AccountID returns the caller's account id learned from CreateSession.
func (c *Client) AccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

// Host returns the device passed to StartSession, nil before.
func (c *Client) Host() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// RegistData returns data1, data2 and the host's custom data.
func (c *Client) RegistData() (data1, data2, customData1 [16]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data1, c.data2, c.customData1
}

// OpenChannel connects the push channel and starts its goroutines.
func (c *Client) OpenChannel(ctx context.Context) error {
	c.mu.Lock()
	open := c.channel != nil
	c.mu.Unlock()
	if open {
		return nil
	}

	pushURL, err := c.pushURL(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.DefaultDialer
	if c.cfg.Dialer != nil {
		dialer = c.cfg.Dialer
	}
	d := *dialer
	d.Subprotocols = []string{PushSubprotocol}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	header.Set(headerAppType, PushAppType)

	conn, resp, err := d.DialContext(ctx, pushURL, header)
	if err != nil {
		if ctx.Err() != nil {
			return types.FromContext("open push channel", ctx.Err())
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return types.NewError(types.KindTransport, "open push channel", err)
	}

	ch := newChannel(conn, c.queue, c.cfg, c.logger)
	ch.onFrame = c.handleFrame
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	ch.start()

	c.queue.AddState(types.StateChannelOpen)
	c.logger.Info("push channel open", zap.String("url", pushURL))
	return nil
}

// StopChannel closes the push channel. A no-op when it was never opened.
func (c *Client) StopChannel() error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.stop()
}

// Pongs returns the number of pongs the channel has received.
func (c *Client) Pongs() int64 {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return 0
	}
	return ch.pongs.Load()
}

func (c *Client) pushURL(ctx context.Context) (string, error) {
	if c.cfg.PushURL != "" {
		return c.cfg.PushURL, nil
	}
	var resp ServerAddrResponse
	if err := c.do(ctx, http.MethodGet, c.cfg.PushLookupURL, nil, &resp); err != nil {
		return "", err
	}
	if resp.FQDN == "" {
		return "", types.NewError(types.KindProtocol, "lookup push endpoint", errors.New("empty fqdn"))
	}
	return fmt.Sprintf(c.cfg.PushURLFormat, resp.FQDN), nil
}

// handleFrame runs on the channel goroutine. Host offers that the orchestrator is
// not waiting for get a RESULT, sent off the read goroutine so pongs keep flowing
// while the POST is in flight. Every notification is queued.
func (c *Client) handleFrame(ch *channel, n *types.Notification, f *PushFrame) {
	if n.Type == types.NotificationSessionMessageCreated && c.shouldAckOffers() && f.Body.Data.SessionMessage != nil {
		msg, err := c.parsePayload(f.Body.Data.SessionMessage.Payload)
		switch {
		case err != nil:
			c.logger.Warn("unparseable session message", zap.Error(err))
		case msg.Action == types.ActionOffer:
			ch.spawn(func(ctx context.Context) { c.autoAck(ctx, msg.RequestID) })
		}
	}
	if n.Type == types.NotificationUnknown {
		c.logger.Debug("unknown notification", zap.String("data_type", f.DataType))
	}
	c.queue.Push(n)
}

func (c *Client) autoAck(ctx context.Context, reqID int) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SessionTimeout)
	defer cancel()
	ack := &types.SessionMessage{Action: types.ActionResult, RequestID: reqID}
	if err := c.SendMessage(ctx, ack, true); err != nil {
		c.logger.Warn("auto ack failed", zap.Int("req_id", reqID), zap.Error(err))
		return
	}
	c.logger.Debug("auto acked offer", zap.Int("req_id", reqID))
}

func (c *Client) shouldAckOffers() bool {
	s := c.queue.State()
	return (s.Has(types.StateCtrlOfferReceived) && !s.Has(types.StateCtrlEstablished)) ||
		s.Has(types.StateDataOfferReceived)
}

// CreateSession creates the remote session and waits until the service confirms
// it and our membership.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SessionTimeout)
	defer cancel()

	var resp CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+PathSessions, newCreateSessionRequest(c.pushContextID), &resp); err != nil {
		return "", err
	}
	if len(resp.RemotePlaySessions) == 0 || len(resp.RemotePlaySessions[0].Members) == 0 {
		return "", types.NewError(types.KindProtocol, "create session", errors.New("response has no session member"))
	}
	session := resp.RemotePlaySessions[0]
	if len(session.SessionID) != 36 {
		return "", types.NewError(types.KindProtocol, "create session", fmt.Errorf("unexpected session id %q", session.SessionID))
	}
	account, err := rawAccountID(session.Members[0].AccountID)
	if err != nil || account == "" {
		return "", types.NewError(types.KindProtocol, "create session", fmt.Errorf("bad account id: %s", session.Members[0].AccountID))
	}

	c.mu.Lock()
	c.sessionID = session.SessionID
	c.accountID = account
	c.mu.Unlock()
	c.logger.Info("session created", zap.String("session_id", session.SessionID))

	pending := types.NotificationSessionCreated | types.NotificationMemberCreated
	for pending != 0 {
		n, err := c.queue.Wait(ctx, pending, 0)
		if err != nil {
			return "", types.FromContext("create session", err)
		}
		pending &^= n.Type
		switch n.Type {
		case types.NotificationSessionCreated:
			c.queue.AddState(types.StateCreated)
		case types.NotificationMemberCreated:
			c.queue.AddState(types.StateClientJoined)
		}
	}
	return session.SessionID, nil
}

// StartSession asks the service to wake dev and join it to the session. It returns
// the host's custom data once the host has joined.
func (c *Client) StartSession(ctx context.Context, dev Device) ([16]byte, error) {
	var custom [16]byte

	duid, err := hex.DecodeString(dev.DUID)
	if err != nil || len(duid) != 32 {
		return custom, types.NewError(types.KindProtocol, "start session", fmt.Errorf("bad device uid %q", dev.DUID))
	}
	sessionID, account := c.SessionID(), c.AccountID()
	if sessionID == "" {
		return custom, types.NewError(types.KindProtocol, "start session", errors.New("session not created"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SessionTimeout)
	defer cancel()

	params, err := json.Marshal(InitialParams{
		AccountID:  json.Number(account),
		SessionID:  sessionID,
		ClientType: c.cfg.ClientType,
		Data1:      base64.StdEncoding.EncodeToString(c.data1[:]),
		Data2:      base64.StdEncoding.EncodeToString(c.data2[:]),
	})
	if err != nil {
		return custom, types.NewError(types.KindProtocol, "start session", err)
	}
	var cmd StartCommand
	cmd.CommandDetail.CommandType = "remotePlay"
	cmd.CommandDetail.DUID = dev.DUID
	cmd.CommandDetail.MessageDestination = "SQS"
	cmd.CommandDetail.Parameters.InitialParams = string(params)
	cmd.CommandDetail.Platform = dev.Platform

	host := dev
	c.mu.Lock()
	c.host = &host
	c.mu.Unlock()

	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+PathCommands, cmd, nil); err != nil {
		return custom, err
	}
	c.queue.AddState(types.StateDataSent)

	pending := types.NotificationMemberCreated | types.NotificationCustomData1Updated
	for pending != 0 {
		n, err := c.queue.Wait(ctx, pending, 0)
		if err != nil {
			return custom, types.FromContext("start session", err)
		}
		_, f, err := ParseFrame(n.Raw)
		if err != nil {
			return custom, err
		}

		switch n.Type {
		case types.NotificationMemberCreated:
			if len(f.Body.Data.Members) == 0 {
				return custom, types.NewError(types.KindProtocol, "start session", errors.New("member notification without members"))
			}
			joined := f.Body.Data.Members[0].DeviceUniqueID
			if len(joined) != 64 {
				return custom, types.NewError(types.KindProtocol, "start session", fmt.Errorf("device uid has length %d", len(joined)))
			}
			if !strings.EqualFold(joined, dev.DUID) {
				return custom, types.NewError(types.KindProtocol, "start session", fmt.Errorf("joined device %s is not the target", joined))
			}
			c.queue.AddState(types.StateHostJoined)

		case types.NotificationCustomData1Updated:
			if f.Body.Data.CustomData1 == nil {
				return custom, types.NewError(types.KindProtocol, "start session", errors.New("notification has no customData1"))
			}
			custom, err = DecodeCustomData1(*f.Body.Data.CustomData1)
			if err != nil {
				return custom, err
			}
			c.mu.Lock()
			c.customData1 = custom
			c.mu.Unlock()
			c.queue.AddState(types.StateCustomData1Received)
		}
		pending &^= n.Type
	}

	c.queue.AddState(types.StateStarted)
	c.logger.Info("session started", zap.String("device", dev.DUID), zap.String("platform", dev.Platform))
	return custom, nil
}

// DecodeCustomData1 decodes the host's 32-character value, which is base64 twice
// over a 16-byte value.
func DecodeCustomData1(s string) ([16]byte, error) {
	var out [16]byte
	if len(s) != 32 {
		return out, types.NewError(types.KindProtocol, "decode customData1", fmt.Errorf("length %d", len(s)))
	}
	inner, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, types.NewError(types.KindProtocol, "decode customData1", err)
	}
	raw, err := base64.StdEncoding.DecodeString(string(inner))
	if err != nil {
		return out, types.NewError(types.KindProtocol, "decode customData1", err)
	}
	if len(raw) != len(out) {
		return out, types.NewError(types.KindProtocol, "decode customData1", fmt.Errorf("decoded %d bytes", len(raw)))
	}
	copy(out[:], raw)
	return out, nil
}

// SendMessage posts msg to the host. shortForm sends an empty connRequest.
func (c *Client) SendMessage(ctx context.Context, msg *types.SessionMessage, shortForm bool) error {
	c.mu.Lock()
	sessionID, account, host := c.sessionID, c.accountID, c.host
	c.mu.Unlock()
	if sessionID == "" || host == nil {
		return types.NewError(types.KindProtocol, "send session message", errors.New("session not started"))
	}

	body, err := codec.Marshal(msg, shortForm)
	if err != nil {
		return types.NewError(types.KindProtocol, "send session message", err)
	}
	env, err := codec.Envelope(body, codec.Destination{
		AccountID:      account,
		DeviceUniqueID: host.DUID,
		Platform:       host.Platform,
	})
	if err != nil {
		return types.NewError(types.KindProtocol, "send session message", err)
	}

	c.logger.Debug("send session message",
		zap.Stringer("action", msg.Action),
		zap.Int("req_id", msg.RequestID),
		zap.Bool("short", shortForm))
	return c.do(ctx, http.MethodPost, c.cfg.BaseURL+SessionMessagePath(sessionID), json.RawMessage(env), nil)
}

// WaitMessage returns the next session message whose action is in mask. Messages
// with other actions are consumed and dropped. timeout bounds the whole wait.
func (c *Client) WaitMessage(ctx context.Context, mask types.Action, timeout time.Duration) (*types.SessionMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		n, err := c.queue.Wait(ctx, types.NotificationSessionMessageCreated, 0)
		if err != nil {
			return nil, types.FromContext("wait session message", err)
		}
		_, f, err := ParseFrame(n.Raw)
		if err != nil {
			return nil, err
		}
		if f.Body.Data.SessionMessage == nil {
			return nil, types.NewError(types.KindParse, "wait session message", errors.New("notification has no payload"))
		}
		msg, err := c.parsePayload(f.Body.Data.SessionMessage.Payload)
		if err != nil {
			return nil, err
		}
		msg.Notification = n
		if msg.Action&mask == 0 {
			c.logger.Debug("ignoring session message",
				zap.Stringer("action", msg.Action),
				zap.Int("req_id", msg.RequestID))
			continue
		}
		return msg, nil
	}
}

func (c *Client) parsePayload(payload string) (*types.SessionMessage, error) {
	body, err := codec.ExtractBody(payload)
	if err != nil {
		return nil, err
	}
	return c.decoder.Unmarshal([]byte(body))
}

// DeleteSession leaves the session. Callers in teardown log the error and move on.
func (c *Client) DeleteSession(ctx context.Context) error {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil
	}
	if err := c.do(ctx, http.MethodDelete, c.cfg.BaseURL+MemberPath(sessionID), nil, nil); err != nil {
		c.logger.Warn("delete session failed", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}
	c.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// ListDevices returns the account's hosts for platform ("PS4" or "PS5").
func (c *Client) ListDevices(ctx context.Context, platform string) ([]Device, error) {
	q := url.Values{}
	q.Set("platform", platform)
	q.Set("includeFields", "device")
	q.Set("limit", "10")
	q.Set("offset", "0")

	var resp ClientsResponse
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+PathClients+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	for i, cl := range resp.Clients {
		if cl.DUID == "" {
			return nil, types.NewError(types.KindProtocol, "list devices", fmt.Errorf("client %d has no duid", i))
		}
	}
	return resp.Devices(platform), nil
}

// do sends one authorized JSON request and decodes the reply into out.
func (c *Client) do(ctx context.Context, method, rawURL string, in, out any) error {
	op := method + " " + rawURL
	if u, err := url.Parse(rawURL); err == nil {
		op = method + " " + u.Path
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return types.NewError(types.KindProtocol, op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return types.NewError(types.KindTransport, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.FromContext(op, ctx.Err())
		}
		return types.NewError(types.KindTransport, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.NewError(types.KindTransport, op, err)
	}
	if resp.StatusCode/100 != 2 {
		return types.NewError(types.KindTransport, op, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.NewError(types.KindProtocol, op, err)
	}
	return nil
}
