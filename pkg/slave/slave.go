// Package slave runs a storage node: it dials the master, identifies itself and
// answers control-channel requests from its merged roots.
package slave

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"fsgrid/pkg/portrange"
	"fsgrid/pkg/protocol"
	"fsgrid/pkg/roots"
	"fsgrid/pkg/types"
)

const (
	InitialReconnectDelay = 500 * time.Millisecond
	DefaultReconnectDelay = 30 * time.Second
)

// StoppedError is returned by Run when the master sent a connection-level error,
// for example because the slave is unknown or was deleted.
type StoppedError struct {
	Message string
}

func (e *StoppedError) Error() string {
	return "master refused connection: " + e.Message
}

type Options struct {
	Name          types.SlaveName
	MasterAddress string
	// ReservedSpace is subtracted from the free space reported to the master.
	ReservedSpace     int64
	ReconnectMaxDelay time.Duration
	DialTimeout       time.Duration
}

type Slave struct {
	opts   Options
	store  *roots.Store
	ports  *portrange.Allocator
	logger *zap.Logger

	dial func(ctx context.Context, address string) (net.Conn, error)
}

func New(opts Options, store *roots.Store, ports *portrange.Allocator, logger *zap.Logger) (*Slave, error) {
	if err := protocol.ValidateName(string(opts.Name)); err != nil {
		return nil, err
	}
	if opts.MasterAddress == "" {
		return nil, fmt.Errorf("master address is required")
	}
	if store == nil || ports == nil {
		return nil, fmt.Errorf("slave needs a store and a port allocator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	s := &Slave{
		opts:   opts,
		store:  store,
		ports:  ports,
		logger: logger.With(zap.String("slave", string(opts.Name))),
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	s.dial = func(ctx context.Context, address string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", address)
	}
	return s, nil
}

// Run keeps a control channel to the master open until ctx is cancelled or the
// master refuses the slave.
func (s *Slave) Run(ctx context.Context) error {
	delay := InitialReconnectDelay
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var stopped *StoppedError
		if errors.As(err, &stopped) {
			s.logger.Error("Master refused slave", zap.String("reason", stopped.Message))
			return err
		}

		if connected {
			delay = InitialReconnectDelay
		}
		s.logger.Warn("Lost master connection, reconnecting",
			zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.opts.ReconnectMaxDelay {
			delay = s.opts.ReconnectMaxDelay
		}
	}
}

// session runs one connection. connected reports whether the master got as far as
// sending a request.
func (s *Slave) session(ctx context.Context) (connected bool, err error) {
	conn, err := s.dial(ctx, s.opts.MasterAddress)
	if err != nil {
		return false, fmt.Errorf("failed to connect to master %s: %w", s.opts.MasterAddress, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	codec := protocol.NewCodec(conn)
	if err := codec.WriteName(string(s.opts.Name)); err != nil {
		return false, err
	}
	s.logger.Info("Connected to master", zap.String("master", s.opts.MasterAddress))

	for {
		msg, err := codec.Decode()
		if err != nil {
			return connected, fmt.Errorf("failed to read from master: %w", err)
		}
		if msg.ID == "" {
			if msg.Type == protocol.TypeError {
				return connected, &StoppedError{Message: msg.Message}
			}
			continue
		}
		connected = true

		if err := codec.Encode(s.handle(msg)); err != nil {
			return connected, err
		}
	}
}

func (s *Slave) handle(req protocol.Message) protocol.Message {
	var (
		payload any
		err     error
	)
	switch req.Type {
	case protocol.CmdPing:
	case protocol.CmdStatus:
		payload, err = s.Status()
	case protocol.CmdListing:
		payload, err = s.store.Entries()
	case protocol.CmdAcquirePort:
		var port int
		port, err = s.ports.Acquire()
		payload = protocol.PortLease{Port: port}
	case protocol.CmdReleasePort:
		var lease protocol.PortLease
		if err = req.Decode(&lease); err == nil {
			err = s.releasePort(lease.Port)
		}
	default:
		err = fmt.Errorf("unknown command %q", req.Type)
	}

	if err != nil {
		s.logger.Warn("Request failed", zap.String("command", req.Type), zap.Error(err))
		return protocol.ReplyError(req, err)
	}
	reply, err := protocol.Reply(req, payload)
	if err != nil {
		return protocol.ReplyError(req, err)
	}
	return reply
}

// releasePort refuses ports this slave never leased instead of tripping the
// allocator's assertion on the master's behalf.
func (s *Slave) releasePort(port int) error {
	if !s.ports.Leased(port) {
		return fmt.Errorf("port %d is not leased", port)
	}
	s.ports.Release(port)
	return nil
}

// Status measures the slave's disks.
func (s *Slave) Status() (types.SlaveStatus, error) {
	available, capacity, err := diskSpace(s.store.Basket().Roots())
	if err != nil {
		return types.SlaveStatus{}, err
	}
	available -= s.opts.ReservedSpace
	if available < 0 {
		available = 0
	}
	return types.SlaveStatus{
		DiskSpaceAvailable: available,
		DiskSpaceCapacity:  capacity,
	}, nil
}
