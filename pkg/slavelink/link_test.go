package slavelink

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fsgrid/pkg/protocol"
	"fsgrid/pkg/types"
)

// fakeSlave answers requests on the far end of a pipe using handle.
func fakeSlave(t *testing.T, conn net.Conn, handle func(protocol.Message) (protocol.Message, bool)) {
	t.Helper()
	codec := protocol.NewCodec(conn)
	go func() {
		for {
			msg, err := codec.Decode()
			if err != nil {
				return
			}
			reply, ok := handle(msg)
			if !ok {
				continue
			}
			if err := codec.Encode(reply); err != nil {
				return
			}
		}
	}()
}

func newPipeLink(t *testing.T) (*Link, net.Conn) {
	master, slave := net.Pipe()
	link := New("alpha", master, nil, zaptest.NewLogger(t))
	link.Start()
	t.Cleanup(func() {
		link.Close(nil)
		slave.Close()
	})
	return link, slave
}

func TestLinkCalls(t *testing.T) {
	link, slave := newPipeLink(t)
	fakeSlave(t, slave, func(msg protocol.Message) (protocol.Message, bool) {
		var payload any
		switch msg.Type {
		case protocol.CmdPing:
		case protocol.CmdStatus:
			payload = types.SlaveStatus{DiskSpaceAvailable: 100, DiskSpaceCapacity: 400, TransfersSending: 2}
		case protocol.CmdListing:
			payload = []types.FileEntry{{Path: "/a", Size: 3}}
		case protocol.CmdAcquirePort:
			payload = protocol.PortLease{Port: 50000}
		case protocol.CmdReleasePort:
			var lease protocol.PortLease
			if err := msg.Decode(&lease); err != nil || lease.Port != 50000 {
				return protocol.ReplyError(msg, errors.New("not leased")), true
			}
		default:
			return protocol.ReplyError(msg, errors.New("unknown command")), true
		}
		reply, err := protocol.Reply(msg, payload)
		assert.NoError(t, err)
		return reply, true
	})

	ctx := context.Background()
	require.NoError(t, link.Ping(ctx))

	status, err := link.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), status.DiskSpaceAvailable)
	assert.Equal(t, int64(300), status.DiskSpaceUsed())
	assert.Equal(t, 2, status.Transfers())

	entries, err := link.Listing(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/a", entries[0].Path)

	port, err := link.AcquirePort(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50000, port)
	require.NoError(t, link.ReleasePort(ctx, port))

	err = link.ReleasePort(ctx, 1)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CmdReleasePort, remote.Command)
	assert.ErrorIs(t, err, ErrRemote)

	err = link.Call(ctx, "bogus", nil, nil)
	assert.ErrorIs(t, err, ErrRemote)
}

func TestLinkFailsFastWhenClosed(t *testing.T) {
	t.Run("InFlight", func(t *testing.T) {
		link, slave := newPipeLink(t)
		received := make(chan struct{})
		fakeSlave(t, slave, func(protocol.Message) (protocol.Message, bool) {
			close(received)
			return protocol.Message{}, false
		})

		errc := make(chan error, 1)
		go func() { errc <- link.Ping(context.Background()) }()

		<-received
		slave.Close()

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, types.ErrSlaveUnavailable)
		case <-time.After(5 * time.Second):
			t.Fatal("in-flight call did not fail after the connection dropped")
		}
		<-link.Done()
		assert.Error(t, link.Err())
	})

	t.Run("AfterClose", func(t *testing.T) {
		link, _ := newPipeLink(t)
		assert.NoError(t, link.Err())
		link.Close(errors.New("kicked"))
		link.Close(errors.New("twice"))

		_, err := link.Status(context.Background())
		assert.ErrorIs(t, err, types.ErrSlaveUnavailable)
		assert.EqualError(t, link.Err(), "kicked")
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		link, slave := newPipeLink(t)
		fakeSlave(t, slave, func(protocol.Message) (protocol.Message, bool) {
			return protocol.Message{}, false
		})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := link.Ping(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestLinkConnectionError(t *testing.T) {
	link, slave := newPipeLink(t)
	codec := protocol.NewCodec(slave)
	go func() {
		_ = codec.Encode(protocol.NewError("alpha", "shutting down"))
	}()

	select {
	case <-link.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("link stayed open after a connection error")
	}
	assert.ErrorIs(t, link.Err(), ErrRemote)
	assert.Contains(t, link.Err().Error(), "shutting down")
}

func TestSendError(t *testing.T) {
	link, slave := newPipeLink(t)
	codec := protocol.NewCodec(slave)

	got := make(chan protocol.Message, 1)
	go func() {
		msg, err := codec.Decode()
		if err == nil {
			got <- msg
		}
	}()

	link.SendError("deleted")

	select {
	case msg := <-got:
		assert.Equal(t, protocol.TypeError, msg.Type)
		assert.Equal(t, "alpha", msg.Target)
		assert.Equal(t, "deleted", msg.Message)
		assert.Empty(t, msg.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("error envelope never arrived")
	}
	<-link.Done()
}
