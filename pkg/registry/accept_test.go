package registry

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsgrid/pkg/protocol"
	"fsgrid/pkg/types"
)

// slaveClient dials the master, sends name and answers status and ping requests
// until the connection ends. It returns the connection-level error envelope, if any.
func slaveClient(t *testing.T, addr, name string, statusErr error) (net.Conn, <-chan protocol.Message) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	codec := protocol.NewCodec(conn)
	if name != "" {
		_, err = conn.Write([]byte(name + "\n"))
		require.NoError(t, err)
	}

	envelopes := make(chan protocol.Message, 1)
	go func() {
		defer close(envelopes)
		for {
			msg, err := codec.Decode()
			if err != nil {
				return
			}
			if msg.ID == "" {
				envelopes <- msg
				return
			}
			var reply protocol.Message
			switch {
			case msg.Type == protocol.CmdStatus && statusErr != nil:
				reply = protocol.ReplyError(msg, statusErr)
			case msg.Type == protocol.CmdStatus:
				reply, _ = protocol.Reply(msg, types.SlaveStatus{DiskSpaceAvailable: 42})
			default:
				reply, _ = protocol.Reply(msg, nil)
			}
			if codec.Encode(reply) != nil {
				return
			}
		}
	}()
	return conn, envelopes
}

type handshakeHarness struct {
	r   *Registry
	ln  net.Listener
	reg *prometheus.Registry
	m   *Metrics
}

func newHandshakeHarness(t *testing.T, opts Options) *handshakeHarness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	reg := prometheus.NewRegistry()
	opts.Metrics = NewMetrics(reg)
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 2 * time.Second
	}
	r, _ := newTestRegistry(t, opts)
	return &handshakeHarness{r: r, ln: ln, reg: reg, m: opts.Metrics}
}

// accept runs one handshake for the next inbound connection.
func (hh *handshakeHarness) accept(t *testing.T) State {
	t.Helper()
	conn, err := hh.ln.Accept()
	require.NoError(t, err)
	return hh.r.Handshake(context.Background(), conn)
}

func waitEnvelope(t *testing.T, envelopes <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-envelopes:
		require.True(t, ok, "connection closed without an error envelope")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no error envelope received")
	}
	return protocol.Message{}
}

func TestHandshake(t *testing.T) {
	t.Run("UnregisteredName", func(t *testing.T) {
		hh := newHandshakeHarness(t, Options{})
		_, envelopes := slaveClient(t, hh.ln.Addr().String(), "ghost", nil)

		assert.Equal(t, StateRejected, hh.accept(t))
		msg := waitEnvelope(t, envelopes)
		assert.Equal(t, protocol.TypeError, msg.Type)
		assert.Equal(t, "ghost", msg.Target)
		assert.Contains(t, msg.Message, "ghost does not exist")
		assert.Empty(t, hh.r.ListAll())
		assert.Equal(t, float64(1), testutil.ToFloat64(hh.m.Handshakes.WithLabelValues("rejected")))
	})

	t.Run("MalformedName", func(t *testing.T) {
		hh := newHandshakeHarness(t, Options{})
		_, envelopes := slaveClient(t, hh.ln.Addr().String(), "not a name", nil)

		assert.Equal(t, StateRejected, hh.accept(t))
		_, ok := <-envelopes
		assert.False(t, ok, "malformed peers are dropped without a reply")
	})

	t.Run("SilentPeerTimesOut", func(t *testing.T) {
		hh := newHandshakeHarness(t, Options{HandshakeTimeout: 50 * time.Millisecond})
		slaveClient(t, hh.ln.Addr().String(), "", nil)
		assert.Equal(t, StateRejected, hh.accept(t))
	})

	t.Run("MaskRejected", func(t *testing.T) {
		hh := newHandshakeHarness(t, Options{})
		_, err := hh.r.Add(desc("alpha", "10.0.0.0/8"))
		require.NoError(t, err)
		_, envelopes := slaveClient(t, hh.ln.Addr().String(), "alpha", nil)

		assert.Equal(t, StateRejected, hh.accept(t))
		msg := waitEnvelope(t, envelopes)
		assert.Equal(t, "127.0.0.1 is not a valid mask for alpha", msg.Message)

		h, err := hh.r.Lookup("alpha")
		require.NoError(t, err)
		assert.False(t, h.IsOnline())
	})

	t.Run("ConnectedThenAlreadyOnline", func(t *testing.T) {
		hh := newHandshakeHarness(t, Options{})
		_, err := hh.r.Add(desc("alpha", "127.0.0.1"))
		require.NoError(t, err)

		first, _ := slaveClient(t, hh.ln.Addr().String(), "alpha", nil)
		assert.Equal(t, StateConnected, hh.accept(t))

		h, err := hh.r.Lookup("alpha")
		require.NoError(t, err)
		assert.True(t, h.IsOnline())
		status, err := h.Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(42), status.DiskSpaceAvailable)

		_, envelopes := slaveClient(t, hh.ln.Addr().String(), "alpha", nil)
		assert.Equal(t, StateRejected, hh.accept(t))
		assert.Equal(t, "Already online", waitEnvelope(t, envelopes).Message)
		assert.True(t, h.IsOnline())

		first.Close()
		require.Eventually(t, func() bool { return !h.IsOnline() }, 5*time.Second, 10*time.Millisecond)
		_, err = h.Status(context.Background())
		assert.ErrorIs(t, err, types.ErrSlaveUnavailable)
	})

	t.Run("HandoffFailure", func(t *testing.T) {
		hh := newHandshakeHarness(t, Options{})
		_, err := hh.r.Add(desc("alpha", "127.0.0.0/8"))
		require.NoError(t, err)

		slaveClient(t, hh.ln.Addr().String(), "alpha", errors.New("statfs: permission denied"))
		assert.Equal(t, StateRejected, hh.accept(t))

		h, err := hh.r.Lookup("alpha")
		require.NoError(t, err)
		assert.False(t, h.IsOnline())
		assert.Contains(t, h.OfflineReason(), "handoff failed")
		assert.Contains(t, h.OfflineReason(), "permission denied")
	})

	t.Run("RemergeAfterConnect", func(t *testing.T) {
		remerged := make(chan types.SlaveName, 1)
		hh := newHandshakeHarness(t, Options{Remerger: remergeFunc(func(_ context.Context, h *Handle) error {
			remerged <- h.Name()
			return nil
		})})
		_, err := hh.r.Add(desc("alpha", "127.0.0.1"))
		require.NoError(t, err)

		slaveClient(t, hh.ln.Addr().String(), "alpha", nil)
		assert.Equal(t, StateConnected, hh.accept(t))
		assert.Equal(t, types.SlaveName("alpha"), <-remerged)
	})
}

func TestServeHandshakesIndependently(t *testing.T) {
	hh := newHandshakeHarness(t, Options{HandshakeTimeout: 5 * time.Second})
	_, err := hh.r.Add(desc("fast", "127.0.0.1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- hh.r.Serve(ctx, hh.ln) }()

	// A peer that never identifies itself must not hold up the next one.
	slow, err := net.Dial("tcp", hh.ln.Addr().String())
	require.NoError(t, err)
	defer slow.Close()

	slaveClient(t, hh.ln.Addr().String(), "fast", nil)

	h, err := hh.r.Lookup("fast")
	require.NoError(t, err)
	require.Eventually(t, h.IsOnline, 2*time.Second, 10*time.Millisecond)

	slow.Close()
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

// gatedConn parks the handshake inside its mask check until released.
type gatedConn struct {
	net.Conn
	calls   atomic.Int32
	parked  chan struct{}
	release chan struct{}
}

func (c *gatedConn) RemoteAddr() net.Addr {
	if c.calls.Add(1) == 2 {
		close(c.parked)
		<-c.release
	}
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}
}

func TestHandshakeRefusesSlaveRemovedMidway(t *testing.T) {
	merged := make(chan types.SlaveName, 1)
	hh := newHandshakeHarness(t, Options{Remerger: remergeFunc(func(_ context.Context, h *Handle) error {
		merged <- h.Name()
		return nil
	})})
	_, err := hh.r.Add(desc("alpha"))
	require.NoError(t, err)

	_, envelopes := slaveClient(t, hh.ln.Addr().String(), "alpha", nil)
	accepted, err := hh.ln.Accept()
	require.NoError(t, err)
	conn := &gatedConn{Conn: accepted, parked: make(chan struct{}), release: make(chan struct{})}

	states := make(chan State, 1)
	go func() { states <- hh.r.Handshake(context.Background(), conn) }()

	<-conn.parked
	require.NoError(t, hh.r.Remove("alpha"))
	close(conn.release)

	assert.Equal(t, StateRejected, <-states)
	msg := waitEnvelope(t, envelopes)
	assert.Contains(t, msg.Message, "alpha does not exist")

	_, err = hh.r.Lookup("alpha")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, hh.r.ListAll())
	assert.Empty(t, merged)
}
