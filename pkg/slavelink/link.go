// Package slavelink is the master's end of one slave control channel.
//
// A Link owns its connection. A single writer goroutine sends every request, a
// single reader goroutine decodes replies and routes them to the waiting caller
// by request id. When the connection ends every in-flight and future call fails
// with types.ErrSlaveUnavailable.
package slavelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fsgrid/pkg/protocol"
	"fsgrid/pkg/types"
)

var ErrRemote = errors.New("slave reported an error")

// RemoteError is an error reply sent by the slave for one request.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

type outgoing struct {
	msg  protocol.Message
	sent chan struct{}
}

type Link struct {
	name   string
	conn   net.Conn
	codec  *protocol.Codec
	logger *zap.Logger

	outbox chan outgoing

	mu      sync.Mutex
	pending map[string]chan protocol.Message
	closed  bool
	reason  error

	startOnce sync.Once
	done      chan struct{}
}

// New wraps an already identified connection. codec must be the one used for the
// handshake so that nothing it buffered is lost.
func New(name string, conn net.Conn, codec *protocol.Codec, logger *zap.Logger) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	if codec == nil {
		codec = protocol.NewCodec(conn)
	}
	return &Link{
		name:    name,
		conn:    conn,
		codec:   codec,
		logger:  logger.With(zap.String("slave", name)),
		outbox:  make(chan outgoing),
		pending: make(map[string]chan protocol.Message),
		done:    make(chan struct{}),
	}
}

// Start launches the reader and writer goroutines. It is safe to call more than once.
func (l *Link) Start() {
	l.startOnce.Do(func() {
		go l.writeLoop()
		go l.readLoop()
	})
}

func (l *Link) Name() string {
	return l.name
}

func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Done is closed once the link is unusable.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns why the link closed, or nil while it is open.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Close ends the link. Calls waiting on a reply fail immediately.
func (l *Link) Close(reason error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if reason == nil {
		reason = io.EOF
	}
	l.reason = reason
	l.pending = make(map[string]chan protocol.Message)
	l.mu.Unlock()

	close(l.done)
	if err := l.conn.Close(); err != nil {
		l.logger.Debug("Error closing control channel", zap.Error(err))
	}
	l.logger.Info("Control channel closed", zap.Error(reason))
}

// SendError writes a connection-level error envelope, which tells the slave not
// to reconnect, and closes the link. The link must have been started.
func (l *Link) SendError(message string) {
	out := outgoing{msg: protocol.NewError(l.name, message), sent: make(chan struct{})}
	select {
	case l.outbox <- out:
	case <-l.done:
		return
	}
	select {
	case <-out.sent:
	case <-l.done:
		return
	}
	l.Close(errors.New(message))
}

func (l *Link) writeLoop() {
	for {
		select {
		case out := <-l.outbox:
			if err := l.codec.Encode(out.msg); err != nil {
				l.Close(err)
				return
			}
			if out.sent != nil {
				close(out.sent)
			}
		case <-l.done:
			return
		}
	}
}

func (l *Link) readLoop() {
	for {
		msg, err := l.codec.Decode()
		if err != nil {
			l.Close(fmt.Errorf("failed to read from slave: %w", err))
			return
		}

		if msg.ID == "" {
			if msg.Type == protocol.TypeError {
				l.Close(&RemoteError{Command: "connection", Message: msg.Message})
				return
			}
			l.logger.Warn("Dropping unsolicited message", zap.String("type", msg.Type))
			continue
		}

		l.mu.Lock()
		ch, ok := l.pending[msg.ID]
		delete(l.pending, msg.ID)
		l.mu.Unlock()
		if !ok {
			l.logger.Debug("Dropping reply to abandoned request", zap.String("id", msg.ID))
			continue
		}
		ch <- msg
	}
}

func (l *Link) unavailable() error {
	return fmt.Errorf("slave %s: %w", l.name, types.ErrSlaveUnavailable)
}

// Call sends cmd with args and decodes the reply payload into out. out may be nil
// when the command has no result.
func (l *Link) Call(ctx context.Context, cmd string, args, out any) error {
	req := protocol.Message{ID: uuid.NewString(), Target: l.name, Type: cmd}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", cmd, err)
		}
		req.Payload = data
	}

	reply := make(chan protocol.Message, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return l.unavailable()
	}
	l.pending[req.ID] = reply
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, req.ID)
		l.mu.Unlock()
	}()

	select {
	case l.outbox <- outgoing{msg: req}:
	case <-l.done:
		return l.unavailable()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case msg := <-reply:
		if msg.Type == protocol.TypeError {
			return &RemoteError{Command: cmd, Message: msg.Message}
		}
		if out == nil {
			return nil
		}
		return msg.Decode(out)
	case <-l.done:
		return l.unavailable()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) Ping(ctx context.Context) error {
	return l.Call(ctx, protocol.CmdPing, nil, nil)
}

func (l *Link) Status(ctx context.Context) (types.SlaveStatus, error) {
	var status types.SlaveStatus
	if err := l.Call(ctx, protocol.CmdStatus, nil, &status); err != nil {
		return types.SlaveStatus{}, err
	}
	return status, nil
}

func (l *Link) Listing(ctx context.Context) ([]types.FileEntry, error) {
	var entries []types.FileEntry
	if err := l.Call(ctx, protocol.CmdListing, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *Link) AcquirePort(ctx context.Context) (int, error) {
	var lease protocol.PortLease
	if err := l.Call(ctx, protocol.CmdAcquirePort, nil, &lease); err != nil {
		return 0, err
	}
	return lease.Port, nil
}

func (l *Link) ReleasePort(ctx context.Context, port int) error {
	return l.Call(ctx, protocol.CmdReleasePort, protocol.PortLease{Port: port}, nil)
}
