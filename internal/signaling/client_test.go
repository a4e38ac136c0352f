package signaling_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saintparish4/rendezvous/internal/signaling"
	"github.com/saintparish4/rendezvous/internal/signaling/signalingtest"
	"github.com/saintparish4/rendezvous/pkg/types"
)

func newClient(t *testing.T, ts *httptest.Server, mutate func(*signaling.Config)) *signaling.Client {
	t.Helper()
	cfg := signalingtest.ClientConfig(ts.URL)
	cfg.Logger = zaptest.NewLogger(t)
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := signaling.NewClient(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.StopChannel() })
	return c
}

func openChannel(t *testing.T, s *signalingtest.Server, c *signaling.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.OpenChannel(ctx))
	require.NoError(t, s.WaitPush(ctx))
	assert.True(t, c.Queue().Has(types.StateChannelOpen))
}

func startedClient(t *testing.T) (*signalingtest.Server, *signaling.Client, signaling.Device) {
	t.Helper()
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, nil)
	openChannel(t, s, c)

	ctx := context.Background()
	_, err := c.CreateSession(ctx)
	require.NoError(t, err)

	dev := signalingtest.DefaultConfig().Devices[0]
	_, err = c.StartSession(ctx, dev)
	require.NoError(t, err)
	return s, c, dev
}

func TestDataTypes(t *testing.T) {
	tests := []struct {
		dataType string
		want     types.NotificationType
	}{
		{signaling.DataTypeSessionCreated, types.NotificationSessionCreated},
		{signaling.DataTypeMemberCreated, types.NotificationMemberCreated},
		{signaling.DataTypeMemberDeleted, types.NotificationMemberDeleted},
		{signaling.DataTypeCustomData1Updated, types.NotificationCustomData1Updated},
		{signaling.DataTypeSessionMessageCreated, types.NotificationSessionMessageCreated},
		{"psn:sessionManager:sys:rps:somethingElse", types.NotificationUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.dataType, func(t *testing.T) {
			assert.Equal(t, tt.want, signaling.ParseDataType(tt.dataType))
			if tt.want != types.NotificationUnknown {
				assert.Equal(t, tt.dataType, signaling.DataType(tt.want))
			}
		})
	}
}

func TestGenerateDeviceUID(t *testing.T) {
	a, err := signaling.GenerateDeviceUID()
	require.NoError(t, err)
	b, err := signaling.GenerateDeviceUID()
	require.NoError(t, err)

	assert.Len(t, a, 48)
	assert.True(t, strings.HasPrefix(a, "0000000700410080"))
	assert.NotEqual(t, a, b)
}

func TestDecodeCustomData1(t *testing.T) {
	want := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	got, err := signaling.DecodeCustomData1(signalingtest.EncodeCustomData1(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for _, bad := range []string{"short", strings.Repeat("!", 32), "QUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFB"} {
		_, err := signaling.DecodeCustomData1(bad)
		assert.True(t, errors.Is(err, types.ErrProtocol), "input %q", bad)
	}
}

func TestListDevices(t *testing.T) {
	cfg := signalingtest.DefaultConfig()
	cfg.Devices = append(cfg.Devices,
		signaling.Device{DUID: strings.Repeat("cd", 32), Name: "Bedroom", Platform: "PS5"},
		signaling.Device{DUID: strings.Repeat("ef", 32), Name: "Old", Platform: "PS4", RemotePlay: true},
	)
	_, ts := signalingtest.Start(t, cfg)
	c := newClient(t, ts, nil)

	devices, err := c.ListDevices(context.Background(), "PS5")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Living Room", devices[0].Name)
	assert.True(t, devices[0].RemotePlay)
	assert.False(t, devices[1].RemotePlay)
	assert.Equal(t, "PS5", devices[1].Platform)
}

func TestUnauthorized(t *testing.T) {
	cfg := signalingtest.DefaultConfig()
	cfg.Token = "expected"
	_, ts := signalingtest.Start(t, cfg)
	c := newClient(t, ts, nil)

	_, err := c.ListDevices(context.Background(), "PS5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTransport))
	assert.Contains(t, err.Error(), "401")
}

func TestCreateAndStartSession(t *testing.T) {
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, nil)
	openChannel(t, s, c)

	id, err := c.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.Equal(t, id, c.SessionID())
	assert.Equal(t, "1234567890123456789", c.AccountID())
	assert.True(t, c.Queue().Has(types.StateCreated|types.StateClientJoined))

	dev := signalingtest.DefaultConfig().Devices[0]
	custom, err := c.StartSession(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, signalingtest.DefaultConfig().CustomData1, custom)
	assert.True(t, c.Queue().Has(types.StateDataSent|types.StateHostJoined|types.StateCustomData1Received|types.StateStarted))

	_, _, got := c.RegistData()
	assert.Equal(t, custom, got)
	assert.Zero(t, c.Queue().Len())
}

func TestStartSessionWrongHost(t *testing.T) {
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, nil)
	openChannel(t, s, c)
	_, err := c.CreateSession(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Push(signaling.DataTypeMemberCreated, map[string]any{
		"members": []map[string]any{{"deviceUniqueId": strings.Repeat("cd", 32)}},
	}))
	require.Eventually(t, func() bool { return c.Queue().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = c.StartSession(context.Background(), signalingtest.DefaultConfig().Devices[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProtocol))
	assert.False(t, c.Queue().Has(types.StateHostJoined))
}

func TestStartSessionRejectsBadDUID(t *testing.T) {
	_, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, nil)
	_, err := c.StartSession(context.Background(), signaling.Device{DUID: "xyz", Platform: "PS5"})
	assert.True(t, errors.Is(err, types.ErrProtocol))
}

func TestCreateSessionTimeout(t *testing.T) {
	_, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	// No push channel, so the confirmations never arrive
	c := newClient(t, ts, func(cfg *signaling.Config) { cfg.SessionTimeout = 100 * time.Millisecond })

	start := time.Now()
	_, err := c.CreateSession(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCreateSessionCanceled(t *testing.T) {
	_, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Queue().Cancel()
	}()
	_, err := c.CreateSession(context.Background())
	assert.True(t, errors.Is(err, types.ErrCanceled), "got %v", err)
}

func TestSendAndWaitMessage(t *testing.T) {
	s, c, _ := startedClient(t)
	s.OnMessage(func(s *signalingtest.Server, msg *types.SessionMessage) {
		if msg.Action == types.ActionOffer {
			// Something the client is not waiting for, then the ack
			s.PushMessage(&types.SessionMessage{Action: types.ActionTerminate, RequestID: 9}, true)
			s.PushMessage(&types.SessionMessage{Action: types.ActionResult, RequestID: msg.RequestID}, true)
		}
	})

	offer := &types.SessionMessage{
		Action:    types.ActionOffer,
		RequestID: 4,
		ConnRequest: &types.ConnectionRequest{
			SID:        77,
			NATType:    2,
			Candidates: []types.Candidate{{Type: types.CandidateLocal, Addr: "192.168.1.2", MappedAddr: "0.0.0.0", Port: 9296}},
		},
	}
	require.NoError(t, c.SendMessage(context.Background(), offer, false))

	msg, err := c.WaitMessage(context.Background(), types.ActionResult, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, msg.RequestID)
	assert.Nil(t, msg.ConnRequest)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, types.NotificationSessionMessageCreated, msg.Notification.Type)
	assert.Zero(t, c.Queue().Len())

	posted := s.Messages()
	require.Len(t, posted, 1)
	assert.Equal(t, offer, posted[0])
}

func TestWaitMessageRepairsPeerAddr(t *testing.T) {
	s, c, _ := startedClient(t)
	require.NoError(t, s.PushMessageBody(`{"action":"OFFER","reqId":1,"error":0,"connRequest":{"sid":5,"peerSid":0,`+
		`"skey":"AAAAAAAAAAAAAAAAAAAAAA==","natType":2,"candidate":[],"defaultRouteMacAddr":"","localPeerAddr":,"localHashedId":""}}`))

	msg, err := c.WaitMessage(context.Background(), types.ActionOffer, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg.ConnRequest)
	assert.Equal(t, 5, msg.ConnRequest.SID)
	assert.Nil(t, msg.ConnRequest.LocalPeerAddr)
}

func TestWaitMessageTimeout(t *testing.T) {
	_, c, _ := startedClient(t)
	_, err := c.WaitMessage(context.Background(), types.ActionAccept, 50*time.Millisecond)
	assert.True(t, errors.Is(err, types.ErrTimeout), "got %v", err)
}

func TestAutoAckOffers(t *testing.T) {
	s, c, _ := startedClient(t)
	c.Queue().AddState(types.StateCtrlOfferReceived)

	require.NoError(t, s.PushMessage(&types.SessionMessage{Action: types.ActionOffer, RequestID: 12}, true))

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	ack := s.Messages()[0]
	assert.Equal(t, types.ActionResult, ack.Action)
	assert.Equal(t, 12, ack.RequestID)
	assert.Nil(t, ack.ConnRequest)

	// The offer is still queued after the ack
	msg, err := c.WaitMessage(context.Background(), types.ActionOffer, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 12, msg.RequestID)
}

func TestSlowAutoAckKeepsChannelAlive(t *testing.T) {
	mock := clock.NewMock()
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, func(cfg *signaling.Config) { cfg.Clock = mock })
	openChannel(t, s, c)

	ctx := context.Background()
	_, err := c.CreateSession(ctx)
	require.NoError(t, err)
	_, err = c.StartSession(ctx, signalingtest.DefaultConfig().Devices[0])
	require.NoError(t, err)

	// The service sits on the ack POST well past the pong deadline
	release := make(chan struct{})
	defer close(release)
	s.OnMessage(func(*signalingtest.Server, *types.SessionMessage) { <-release })

	c.Queue().AddState(types.StateCtrlOfferReceived)
	require.NoError(t, s.PushMessage(&types.SessionMessage{Action: types.ActionOffer, RequestID: 7}, true))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	base := c.Pongs()
	for want := base + 1; want <= base+3; want++ {
		require.Eventually(t, func() bool {
			mock.Add(time.Second)
			return c.Pongs() >= want
		}, 5*time.Second, 20*time.Millisecond)
	}
	assert.NoError(t, c.Queue().Err())

	msg, err := c.WaitMessage(ctx, types.ActionOffer, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, msg.RequestID)
}

func TestNoAutoAckWhileExpectingOffer(t *testing.T) {
	s, c, _ := startedClient(t)
	c.Queue().AddState(types.StateCtrlOfferReceived | types.StateCtrlEstablished)

	require.NoError(t, s.PushMessage(&types.SessionMessage{Action: types.ActionOffer, RequestID: 3}, true))
	msg, err := c.WaitMessage(context.Background(), types.ActionOffer, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, msg.RequestID)
	assert.Empty(t, s.Messages())
}

func TestUnparseableFrameIsDropped(t *testing.T) {
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, nil)
	openChannel(t, s, c)

	require.NoError(t, s.PushRaw([]byte("not json")))
	require.NoError(t, s.Push(signaling.DataTypeSessionCreated, map[string]any{}))

	n, err := c.Queue().Wait(context.Background(), types.NotificationSessionCreated, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationSessionCreated, n.Type)
	assert.NoError(t, c.Queue().Err())
}

func TestDeleteSession(t *testing.T) {
	s, c, _ := startedClient(t)
	require.Equal(t, 1, s.Sessions())

	require.NoError(t, c.DeleteSession(context.Background()))
	assert.Zero(t, s.Sessions())

	_, err := c.Queue().Wait(context.Background(), types.NotificationMemberDeleted, 2*time.Second)
	require.NoError(t, err)

	// The service no longer knows the session
	err = c.DeleteSession(context.Background())
	assert.True(t, errors.Is(err, types.ErrTransport))
}

func TestDeleteWithoutSession(t *testing.T) {
	_, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, nil)
	assert.NoError(t, c.DeleteSession(context.Background()))
}

func TestChannelLostWithoutPong(t *testing.T) {
	mock := clock.NewMock()
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	s.SetAnswerPings(false)
	c := newClient(t, ts, func(cfg *signaling.Config) { cfg.Clock = mock })
	openChannel(t, s, c)

	waitErr := make(chan error, 1)
	go func() {
		_, err := c.Queue().Wait(context.Background(), types.NotificationSessionCreated, 0)
		waitErr <- err
	}()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return c.Queue().Err() != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, errors.Is(c.Queue().Err(), types.ErrChannelLost))
	assert.GreaterOrEqual(t, s.Pings(), 1)
	select {
	case err := <-waitErr:
		assert.True(t, errors.Is(err, types.ErrChannelLost))
	case <-time.After(2 * time.Second):
		t.Fatal("wait was not released")
	}
	assert.NoError(t, c.StopChannel())
}

func TestChannelPongKeepsAlive(t *testing.T) {
	mock := clock.NewMock()
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, func(cfg *signaling.Config) { cfg.Clock = mock })
	openChannel(t, s, c)

	for want := int64(1); want <= 3; want++ {
		require.Eventually(t, func() bool {
			mock.Add(time.Second)
			return c.Pongs() >= want
		}, 5*time.Second, 20*time.Millisecond)
	}
	assert.NoError(t, c.Queue().Err())
}

func TestServiceDropLosesChannel(t *testing.T) {
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, nil)
	openChannel(t, s, c)

	s.DropPush()
	require.Eventually(t, func() bool { return c.Queue().Err() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(c.Queue().Err(), types.ErrChannelLost))
}

func TestStopChannelIsIdempotent(t *testing.T) {
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, nil)
	assert.NoError(t, c.StopChannel())

	openChannel(t, s, c)
	assert.NoError(t, c.StopChannel())
	assert.NoError(t, c.StopChannel())
	// A deliberate stop is not a lost channel
	assert.NoError(t, c.Queue().Err())
}

func TestPushURLOverride(t *testing.T) {
	s, ts := signalingtest.Start(t, signalingtest.DefaultConfig())
	c := newClient(t, ts, func(cfg *signaling.Config) {
		cfg.PushLookupURL = ts.URL + "/does-not-exist"
		cfg.PushURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/np/pushNotification"
	})
	openChannel(t, s, c)
}
