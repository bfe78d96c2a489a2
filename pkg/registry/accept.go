package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"fsgrid/pkg/protocol"
	"fsgrid/pkg/slavelink"
	"fsgrid/pkg/types"
)

// State is a step of the connection handshake.
type State int

const (
	StateAccepted State = iota
	StateIdentified
	StateAuthorized
	StateConnected
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateIdentified:
		return "identified"
	case StateAuthorized:
		return "authorized"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Serve accepts slave connections on ln until ctx is cancelled. Each connection is
// handshaken on its own goroutine. Serve waits for in-progress handshakes before
// returning.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	r.logger.Info("Accepting slave connections", zap.String("address", ln.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			r.logger.Warn("Accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Handshake(ctx, conn)
		}()
	}
}

// Handshake binds conn to the handle named by its first line and returns the final
// state. Every failure closes conn and leaves the registry as it was.
func (r *Registry) Handshake(ctx context.Context, conn net.Conn) State {
	state := StateAccepted
	remote := conn.RemoteAddr().String()
	logger := r.logger.With(zap.String("remote", remote))
	defer func() {
		if r.opts.Metrics != nil {
			r.opts.Metrics.Handshakes.WithLabelValues(state.String()).Inc()
		}
	}()

	codec := protocol.NewCodec(conn)

	if r.opts.HandshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(r.opts.HandshakeTimeout))
	}
	name, err := codec.ReadName()
	if err != nil {
		logger.Warn("Dropping connection without a valid name", zap.Error(err))
		conn.Close()
		state = StateRejected
		return state
	}
	// The control channel is long-lived.
	conn.SetReadDeadline(time.Time{})
	state = StateIdentified
	logger = logger.With(zap.String("slave", name))

	h, err := r.Lookup(types.SlaveName(name))
	if err != nil {
		msg := fmt.Sprintf("%s does not exist, use \"fsgrid slaves add\"", name)
		if !errors.Is(err, types.ErrNotFound) {
			msg = fmt.Sprintf("%s cannot be loaded", name)
		}
		r.reject(logger, conn, codec, name, msg, err)
		state = StateRejected
		return state
	}

	if h.IsOnline() {
		r.reject(logger, conn, codec, name, "Already online", ErrAlreadyOnline)
		state = StateRejected
		return state
	}

	if err := h.CheckMask(conn.RemoteAddr()); err != nil {
		r.reject(logger, conn, codec, name, err.Error(), err)
		state = StateRejected
		return state
	}
	state = StateAuthorized

	// Binding happens under membership so a concurrent Remove either runs first
	// and the slave is refused, or runs after and disconnects it.
	r.membership.Lock()
	if r.inMemory(h.Name()) != h {
		r.membership.Unlock()
		r.reject(logger, conn, codec, name, fmt.Sprintf("%s does not exist, use \"fsgrid slaves add\"", name),
			fmt.Errorf("slave %s: %w", name, types.ErrNotFound))
		state = StateRejected
		return state
	}
	link := slavelink.New(name, conn, codec, r.logger)
	link.Start()
	err = h.Connect(link)
	r.membership.Unlock()
	if err != nil {
		link.SendError("Already online")
		logger.Warn("Rejected slave", zap.Error(err))
		state = StateRejected
		return state
	}

	pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	_, err = h.Status(pctx)
	cancel()
	if err != nil {
		h.SetOffline(fmt.Sprintf("handoff failed: %v", err))
		logger.Warn("Slave failed its first status request", zap.Error(err))
		state = StateRejected
		return state
	}
	state = StateConnected

	if err := r.remerge(ctx, h); err != nil {
		logger.Warn("Slave went offline during remerge", zap.Error(err))
	}
	return state
}

func (r *Registry) reject(logger *zap.Logger, conn net.Conn, codec *protocol.Codec, name, message string, cause error) {
	logger.Warn("Rejected slave", zap.String("reply", message), zap.Error(cause))
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := codec.Encode(protocol.NewError(name, message)); err != nil {
		logger.Debug("Failed to send rejection", zap.Error(err))
	}
	conn.Close()
}
