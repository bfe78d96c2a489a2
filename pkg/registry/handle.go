package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"fsgrid/pkg/types"
)

// DefaultStatusTTL bounds how often a handle asks its slave for a fresh status.
const DefaultStatusTTL = 10 * time.Second

const defaultProbeTimeout = 10 * time.Second

// Conn is the live control channel a handle owns while its slave is online.
type Conn interface {
	RemoteAddr() net.Addr
	Ping(ctx context.Context) error
	Status(ctx context.Context) (types.SlaveStatus, error)
	Listing(ctx context.Context) ([]types.FileEntry, error)
	Done() <-chan struct{}
	Err() error
	Close(reason error)
	SendError(message string)
}

// Handle is the registry's runtime view of one configured slave.
type Handle struct {
	desc     types.SlaveDescriptor
	ttl      time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	onChange func(*Handle)
	now      func() time.Time

	mu       sync.Mutex
	conn     Conn
	gen      uint64 // bumped on every Connect
	online   bool
	reason   string
	status   types.SlaveStatus
	statusAt time.Time

	refresh singleflight.Group
}

func newHandle(desc types.SlaveDescriptor, ttl, timeout time.Duration, logger *zap.Logger, onChange func(*Handle)) *Handle {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Handle{
		desc:     desc,
		ttl:      ttl,
		timeout:  timeout,
		logger:   logger.With(zap.String("slave", string(desc.Name))),
		onChange: onChange,
		now:      time.Now,
		reason:   "never connected",
	}
}

func (h *Handle) Name() types.SlaveName {
	return h.desc.Name
}

func (h *Handle) Descriptor() types.SlaveDescriptor {
	return h.desc
}

func (h *Handle) IsOnline() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// OfflineReason is empty while the handle is online.
func (h *Handle) OfflineReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.online {
		return ""
	}
	return h.reason
}

func (h *Handle) unavailable() error {
	return fmt.Errorf("slave %s: %w", h.desc.Name, types.ErrSlaveUnavailable)
}

// Connect hands conn to the handle, which owns it from now on.
func (h *Handle) Connect(conn Conn) error {
	h.mu.Lock()
	if h.online {
		h.mu.Unlock()
		return fmt.Errorf("slave %s: %w", h.desc.Name, ErrAlreadyOnline)
	}
	h.conn = conn
	h.gen++
	h.online = true
	h.reason = ""
	h.statusAt = time.Time{}
	h.mu.Unlock()

	h.logger.Info("Slave online", zap.String("remote", conn.RemoteAddr().String()))
	go h.watch(conn)
	h.changed()
	return nil
}

func (h *Handle) watch(conn Conn) {
	<-conn.Done()
	reason := "connection closed"
	if err := conn.Err(); err != nil {
		reason = err.Error()
	}
	h.detach(conn, reason)
}

// detach marks the handle offline if conn is still the current connection and
// reports whether it did.
func (h *Handle) detach(conn Conn, reason string) bool {
	h.mu.Lock()
	if h.conn != conn || !h.online {
		h.mu.Unlock()
		return false
	}
	h.conn = nil
	h.online = false
	h.reason = reason
	h.mu.Unlock()

	h.logger.Info("Slave offline", zap.String("reason", reason))
	h.changed()
	return true
}

// SetOffline drops the connection. Calls in flight against it fail with
// types.ErrSlaveUnavailable.
func (h *Handle) SetOffline(reason string) {
	h.disconnect(reason, false)
}

// disconnect closes the current connection. With notify the slave is sent an error
// envelope first, which stops it from reconnecting.
func (h *Handle) disconnect(reason string, notify bool) bool {
	h.mu.Lock()
	conn := h.conn
	wasOnline := h.online
	h.conn = nil
	h.online = false
	h.reason = reason
	h.mu.Unlock()

	if conn != nil {
		if notify {
			conn.SendError(reason)
		}
		conn.Close(errors.New(reason))
	}
	if wasOnline {
		h.logger.Info("Slave offline", zap.String("reason", reason))
		h.changed()
	}
	return wasOnline
}

func (h *Handle) changed() {
	if h.onChange != nil {
		h.onChange(h)
	}
}

func (h *Handle) current() (Conn, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.online || h.conn == nil {
		return nil, 0, h.unavailable()
	}
	return h.conn, h.gen, nil
}

// failed takes the handle offline when err shows the connection is gone.
func (h *Handle) failed(conn Conn, err error) error {
	if errors.Is(err, types.ErrSlaveUnavailable) {
		h.detach(conn, err.Error())
	}
	return err
}

// Ping checks that the slave answers on its control channel.
func (h *Handle) Ping(ctx context.Context) error {
	conn, _, err := h.current()
	if err != nil {
		return err
	}
	return h.failed(conn, conn.Ping(ctx))
}

// verify pings the current connection and drops it if the slave does not answer.
// It reports whether this call took the handle offline.
func (h *Handle) verify(ctx context.Context) (bool, error) {
	conn, _, err := h.current()
	if err != nil {
		return false, nil
	}
	err = conn.Ping(ctx)
	if err == nil || ctx.Err() != nil {
		return false, err
	}
	reason := fmt.Sprintf("verify failed: %v", err)
	if !h.detach(conn, reason) {
		return false, err
	}
	conn.Close(errors.New(reason))
	return true, err
}

// Status returns the slave's status, asking the slave at most once per TTL.
// Concurrent callers on the same connection share one request, which is bounded
// by the handle's probe timeout rather than by any one caller's context.
func (h *Handle) Status(ctx context.Context) (types.SlaveStatus, error) {
	conn, gen, err := h.current()
	if err != nil {
		return types.SlaveStatus{}, err
	}

	h.mu.Lock()
	if !h.statusAt.IsZero() && h.now().Sub(h.statusAt) < h.ttl {
		status := h.status
		h.mu.Unlock()
		return status, nil
	}
	h.mu.Unlock()

	ch := h.refresh.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()
		status, err := conn.Status(rctx)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		if h.conn == conn {
			h.status = status
			h.statusAt = h.now()
		}
		h.mu.Unlock()
		return status, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.SlaveStatus{}, h.failed(conn, res.Err)
		}
		return res.Val.(types.SlaveStatus), nil
	case <-ctx.Done():
		return types.SlaveStatus{}, ctx.Err()
	}
}

// Listing fetches the slave's whole logical tree.
func (h *Handle) Listing(ctx context.Context) ([]types.FileEntry, error) {
	conn, _, err := h.current()
	if err != nil {
		return nil, err
	}
	entries, err := conn.Listing(ctx)
	if err != nil {
		return nil, h.failed(conn, err)
	}
	return entries, nil
}

// CheckMask accepts addr if any configured mask matches it. A mask is a CIDR
// prefix, a literal address or a glob over the textual address.
func (h *Handle) CheckMask(addr net.Addr) error {
	ip, err := addrIP(addr)
	if err != nil {
		return &MaskError{Addr: addr.String(), Slave: string(h.desc.Name)}
	}

	for _, mask := range h.desc.Masks {
		if maskMatches(mask, ip) {
			return nil
		}
	}
	return &MaskError{Addr: ip.String(), Slave: string(h.desc.Name)}
}

func addrIP(addr net.Addr) (netip.Addr, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if ip, ok := netip.AddrFromSlice(tcp.IP); ok {
			return ip.Unmap(), nil
		}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, err
	}
	return ap.Addr().Unmap(), nil
}

func maskMatches(mask string, ip netip.Addr) bool {
	mask = strings.TrimSpace(mask)
	if mask == "" {
		return false
	}
	if strings.Contains(mask, "/") {
		prefix, err := netip.ParsePrefix(mask)
		return err == nil && prefix.Contains(ip)
	}
	if literal, err := netip.ParseAddr(mask); err == nil {
		return literal.Unmap() == ip
	}
	ok, err := path.Match(mask, ip.String())
	return err == nil && ok
}

// Info reports the handle's state using only cached status.
func (h *Handle) Info() types.SlaveInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := types.SlaveInfo{
		Name:   h.desc.Name,
		Online: h.online,
		Masks:  h.desc.Masks,
		Roots:  h.desc.Roots,
	}
	if !h.online {
		info.OfflineReason = h.reason
	}
	if h.conn != nil {
		info.RemoteAddr = h.conn.RemoteAddr().String()
	}
	if h.online && !h.statusAt.IsZero() {
		status := h.status
		info.Status = &status
		info.StatusUpdated = h.statusAt
	}
	return info
}
