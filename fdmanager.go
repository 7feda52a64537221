package strand

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// FdMeta tracks per-fd state the hook layer consults: whether the fd is a
// socket, who asked for nonblocking mode (the runtime always forces it on
// sockets at the kernel level, the user flag only changes what the hook
// presents back), and the cached send/receive timeouts.
type FdMeta struct {
	fd          int
	initialized bool
	isSocket    bool

	sysNonblock  atomic.Bool
	userNonblock atomic.Bool
	closed       atomic.Bool

	recvTimeoutMS atomic.Uint64
	sendTimeoutMS atomic.Uint64
}

func newFdMeta(fd int) *FdMeta {
	m := &FdMeta{fd: fd}
	m.recvTimeoutMS.Store(NoTimeout)
	m.sendTimeoutMS.Store(NoTimeout)
	m.init()
	return m
}

// init classifies the fd and, for sockets, forces kernel-level nonblocking
// mode through the raw fcntl so hooked calls always see EAGAIN instead of
// blocking the thread.
func (m *FdMeta) init() {
	var st unix.Stat_t
	if err := unix.Fstat(m.fd, &st); err != nil {
		m.initialized = false
		return
	}
	m.initialized = true
	m.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK

	if m.isSocket {
		flags, err := unix.FcntlInt(uintptr(m.fd), unix.F_GETFL, 0)
		if err == nil && flags&unix.O_NONBLOCK == 0 {
			_, _ = unix.FcntlInt(uintptr(m.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
		}
		m.sysNonblock.Store(true)
	}
}

// Fd returns the tracked descriptor.
func (m *FdMeta) Fd() int { return m.fd }

// IsSocket reports whether the fd classified as a socket.
func (m *FdMeta) IsSocket() bool { return m.isSocket }

// IsClosed reports whether the fd was closed through the hook layer.
func (m *FdMeta) IsClosed() bool { return m.closed.Load() }

// SysNonblock reports whether the runtime forced nonblocking mode.
func (m *FdMeta) SysNonblock() bool { return m.sysNonblock.Load() }

// SetSysNonblock records the runtime-forced nonblocking state.
func (m *FdMeta) SetSysNonblock(v bool) { m.sysNonblock.Store(v) }

// UserNonblock reports whether the user asked for nonblocking mode.
func (m *FdMeta) UserNonblock() bool { return m.userNonblock.Load() }

// SetUserNonblock records the user-requested nonblocking state.
func (m *FdMeta) SetUserNonblock(v bool) { m.userNonblock.Store(v) }

// SetTimeout caches a socket timeout in ms. kind is unix.SO_RCVTIMEO or
// unix.SO_SNDTIMEO.
func (m *FdMeta) SetTimeout(kind int, ms uint64) {
	if kind == unix.SO_RCVTIMEO {
		m.recvTimeoutMS.Store(ms)
	} else {
		m.sendTimeoutMS.Store(ms)
	}
}

// Timeout returns the cached timeout in ms for kind, NoTimeout if unset.
func (m *FdMeta) Timeout(kind int) uint64 {
	if kind == unix.SO_RCVTIMEO {
		return m.recvTimeoutMS.Load()
	}
	return m.sendTimeoutMS.Load()
}

// FdManager indexes FdMeta records by fd in a growable slot array. A nil
// slot means the fd is not tracked yet.
type FdManager struct {
	mu  sync.RWMutex
	fds []*FdMeta
}

// NewFdManager creates an empty fd table.
func NewFdManager() *FdManager {
	return &FdManager{fds: make([]*FdMeta, 64)}
}

// Get returns the metadata for fd, creating and classifying it when
// autoCreate is set. Negative fds and absent entries return nil.
func (fm *FdManager) Get(fd int, autoCreate bool) *FdMeta {
	if fd < 0 {
		return nil
	}

	fm.mu.RLock()
	if fd < len(fm.fds) {
		if m := fm.fds[fd]; m != nil || !autoCreate {
			fm.mu.RUnlock()
			return m
		}
	} else if !autoCreate {
		fm.mu.RUnlock()
		return nil
	}
	fm.mu.RUnlock()

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fd >= len(fm.fds) {
		grown := make([]*FdMeta, fd+fd/2+1)
		copy(grown, fm.fds)
		fm.fds = grown
	}
	if fm.fds[fd] == nil {
		fm.fds[fd] = newFdMeta(fd)
	}
	return fm.fds[fd]
}

// Del drops the metadata for fd, marking it closed for stragglers that still
// hold the record.
func (fm *FdManager) Del(fd int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fd < 0 || fd >= len(fm.fds) {
		return
	}
	if m := fm.fds[fd]; m != nil {
		m.closed.Store(true)
	}
	fm.fds[fd] = nil
}

var (
	fdMgr     *FdManager
	fdMgrOnce sync.Once
)

// FdMgr returns the process-wide fd table, creating it on first use.
func FdMgr() *FdManager {
	fdMgrOnce.Do(func() {
		fdMgr = NewFdManager()
	})
	return fdMgr
}
