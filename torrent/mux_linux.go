//go:build linux

package torrent

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/sys/unix"
)

//mux waits for readiness of every socket with a single poll call and
//dispatches it to the owning session. Only wake is safe to call from other
//goroutines.
type mux struct {
	logger   log.Logger
	maxConns int
	accept   acceptFunc

	listenFd int
	port     int
	conns    map[int]*session

	wakeMu   sync.Mutex
	isClosed bool
	wakeR    int
	wakeW    int

	pfds []unix.PollFd
}

func newMux(logger log.Logger, maxConns int) (*mux, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("waker pipe: %w", err)
	}
	return &mux{
		logger:   logger,
		maxConns: maxConns,
		listenFd: -1,
		conns:    make(map[int]*session),
		wakeR:    p[0],
		wakeW:    p[1],
	}, nil
}

//listen binds the listening socket. Port 0 tries 6881-6889 first and falls
//back to an ephemeral port. It returns the port bound.
func (m *mux) listen(port int) (int, error) {
	if port != 0 {
		return port, m.listenOn(port)
	}
	for p := 6881; p < 6890; p++ {
		if err := m.listenOn(p); err == nil {
			return m.port, nil
		}
	}
	if err := m.listenOn(0); err != nil {
		return 0, errors.New("could not find port to listen")
	}
	return m.port, nil
}

func (m *mux) listenOn(port int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	err = func() error {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("setsockopt: %w", err)
		}
		if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
			return fmt.Errorf("bind port %d: %w", port, err)
		}
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		sa, err := unix.Getsockname(fd)
		if err != nil {
			return fmt.Errorf("getsockname: %w", err)
		}
		if sa4, ok := sa.(*unix.SockaddrInet4); ok {
			m.port = sa4.Port
		}
		return nil
	}()
	if err != nil {
		unix.Close(fd)
		return err
	}
	m.listenFd = fd
	return nil
}

func sockaddrOf(addr string) (unix.Sockaddr, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		tcpAddr, rerr := net.ResolveTCPAddr("tcp", addr)
		if rerr != nil {
			return nil, rerr
		}
		ap = tcpAddr.AddrPort()
	}
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ip.As4()}, nil
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ip.As16()}, nil
}

func addrOf(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)).String()
	}
	return "unknown"
}

//dial starts a non-blocking connect to addr. The returned transport becomes
//usable once the socket is reported writable.
func (m *mux) dial(addr string) (transport, error) {
	sa, err := sockaddrOf(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	domain := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err = unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &fdConn{fd: fd}, nil
}

//add registers s, whose transport must come from dial or accept.
func (m *mux) add(s *session) {
	if c, ok := s.tr.(*fdConn); ok {
		m.conns[c.fd] = s
	}
}

func (m *mux) numConns() (n int) {
	for _, s := range m.conns {
		if !s.closed() {
			n++
		}
	}
	return
}

//runOnce polls once for at most timeout and dispatches the readiness
//reported. idle is true when the timeout expired with nothing ready.
func (m *mux) runOnce(timeout time.Duration) (idle bool, err error) {
	m.pfds = m.pfds[:0]
	m.pfds = append(m.pfds, unix.PollFd{Fd: int32(m.wakeR), Events: unix.POLLIN})
	if m.listenFd >= 0 {
		m.pfds = append(m.pfds, unix.PollFd{Fd: int32(m.listenFd), Events: unix.POLLIN})
	}
	for fd, s := range m.conns {
		if s.closed() {
			delete(m.conns, fd)
			continue
		}
		var events int16
		if s.state != sessionConnecting {
			events |= unix.POLLIN
		}
		if s.wantWrite() {
			events |= unix.POLLOUT
		}
		m.pfds = append(m.pfds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	n, err := unix.Poll(m.pfds, pollTimeoutMillis(timeout))
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return true, nil
	}
	for _, pfd := range m.pfds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		switch {
		case fd == m.wakeR:
			m.drainWaker()
		case fd == m.listenFd:
			m.acceptAll()
		default:
			if s, ok := m.conns[fd]; ok {
				m.dispatch(s, fd, pfd.Revents)
			}
		}
	}
	return false, nil
}

func (m *mux) dispatch(s *session, fd int, revents int16) {
	if s.closed() {
		return
	}
	if s.state == sessionConnecting {
		if revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) == 0 {
			return
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soErr != 0 {
			err = unix.Errno(soErr)
		}
		if err != nil {
			s.close(fmt.Errorf("connect: %w", err))
			return
		}
	}
	if revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 && s.state != sessionConnecting {
		if err := s.onReadable(); err != nil {
			s.close(err)
			return
		}
	}
	if revents&unix.POLLOUT != 0 || s.wantWrite() {
		if err := s.onWritable(); err != nil {
			s.close(err)
		}
	}
}

func (m *mux) acceptAll() {
	for {
		nfd, sa, err := unix.Accept4(m.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if err != nil {
			m.logger.Levelf(log.Warning, "accept: %v", err)
			return
		}
		addr := addrOf(sa)
		tr := &fdConn{fd: nfd}
		if m.numConns() >= m.maxConns || m.accept == nil {
			m.logger.Levelf(log.Debug, "refusing connection from %s", addr)
			tr.Close()
			continue
		}
		s := m.accept(tr, addr)
		if s == nil {
			tr.Close()
			continue
		}
		m.conns[nfd] = s
	}
}

func (m *mux) drainWaker() {
	var b [64]byte
	for {
		n, err := unix.Read(m.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

//wake interrupts a poll in progress. It may be called from any goroutine.
func (m *mux) wake() {
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if m.isClosed {
		return
	}
	//a full pipe already guarantees a wakeup
	unix.Write(m.wakeW, []byte{0})
}

//close closes every session, the listener and the waker.
func (m *mux) close() error {
	for fd, s := range m.conns {
		s.close(nil)
		delete(m.conns, fd)
	}
	var errs []error
	if m.listenFd >= 0 {
		errs = append(errs, unix.Close(m.listenFd))
		m.listenFd = -1
	}
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if m.isClosed {
		return errors.Join(errs...)
	}
	m.isClosed = true
	errs = append(errs, unix.Close(m.wakeR), unix.Close(m.wakeW))
	return errors.Join(errs...)
}

//fdConn is a transport over a non-blocking socket.
type fdConn struct {
	fd     int
	closed bool
}

func (c *fdConn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(c.fd, b)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, errWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *fdConn) Write(b []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, b)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, errWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (c *fdConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

func (c *fdConn) String() string {
	return "fd " + strconv.Itoa(c.fd)
}
