package strand

import (
	"syscall"
	"time"
	"weak"

	"golang.org/x/sys/unix"
)

// The hook layer mirrors the blocking libc calls user code would normally
// make against raw fds, preserving their return-value/errno contracts while
// replacing thread blocking with fiber suspension. Every function falls back
// to the plain syscall when hooking is disabled on the calling goroutine,
// the fd is untracked, the fd is not a socket, or the user explicitly asked
// for nonblocking mode. ConnectWithTimeout differs on untracked fds: it
// registers them with the fd manager and takes the hooked path.

// Sleep suspends the calling fiber for the given number of seconds. Outside
// a hooked fiber it degrades to time.Sleep.
func Sleep(seconds uint) uint {
	sleepMS(uint64(seconds) * 1000)
	return 0
}

// Usleep suspends the calling fiber for usec microseconds.
func Usleep(usec uint64) int {
	sleepMS(usec / 1000)
	return 0
}

// Nanosleep suspends the calling fiber for the given duration.
func Nanosleep(d time.Duration) int {
	sleepMS(uint64(d / time.Millisecond))
	return 0
}

func sleepMS(ms uint64) {
	f := Current()
	iom := CurrentIOManager()
	if !IsHookEnable() || f == nil || iom == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	iom.AddTimer(ms, func() {
		iom.Scheduler.scheduleInternal(&task{fiber: f, worker: AnyWorker})
	}, false)
	Yield()
}

// Socket creates a socket and registers it with the fd manager so subsequent
// hooked calls find it nonblocking and classified.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if IsHookEnable() {
		FdMgr().Get(fd, true)
	}
	return fd, nil
}

// doIO is the common read/write template: issue the nonblocking syscall,
// retry on EINTR, and on EAGAIN park the current fiber on fd readiness with
// an optional timeout sourced from the fd's cached socket timeout.
func doIO(op string, fd int, event Event, timeoutKind int, fn func() (int, error)) (int, error) {
	if !IsHookEnable() {
		return fn()
	}
	meta := FdMgr().Get(fd, false)
	if meta == nil {
		return fn()
	}
	if meta.IsClosed() {
		return -1, unix.EBADF
	}
	if !meta.IsSocket() || meta.UserNonblock() {
		return fn()
	}

	timeoutMS := meta.Timeout(timeoutKind)
	cond := &Cond{}

	for {
		if meta.IsClosed() {
			return -1, unix.EBADF
		}
		n, err := fn()
		for err == unix.EINTR {
			n, err = fn()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		iom := CurrentIOManager()
		if iom == nil {
			return -1, unix.EAGAIN
		}

		var timer *Timer
		witness := weak.Make(cond)
		if timeoutMS != NoTimeout {
			timer = iom.AddConditionTimer(timeoutMS, func() {
				c := witness.Value()
				if c == nil || !c.SetCancelled(unix.ETIMEDOUT) {
					return
				}
				iom.CancelEvent(fd, event)
			}, witness, false)
		}

		if aerr := iom.AddEvent(fd, event); aerr != nil {
			if timer != nil {
				timer.Cancel()
			}
			hookLogError(op, fd, aerr)
			return -1, unix.EINVAL
		}

		Yield()

		if timer != nil {
			timer.Cancel()
		}
		if errno := cond.Cancelled(); errno != 0 {
			return -1, errno
		}
		// Readiness reported; retry the syscall.
	}
}

func hookLogError(op string, fd int, err error) {
	fiberLog.Error("hooked syscall failed to register wait", "op", op, "fd", fd, "error", err)
}

// Read mirrors read(2).
func Read(fd int, p []byte) (int, error) {
	return doIO("read", fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv mirrors readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO("readv", fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv mirrors recv(2).
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO("recv", fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Recvfrom mirrors recvfrom(2).
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO("recvfrom", fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		var ierr error
		var in int
		in, from, ierr = unix.Recvfrom(fd, p, flags)
		return in, ierr
	})
	return n, from, err
}

// Recvmsg mirrors recvmsg(2).
func Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	var (
		oobn, recvflags int
		from            unix.Sockaddr
	)
	n, err := doIO("recvmsg", fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		var ierr error
		var in int
		in, oobn, recvflags, from, ierr = unix.Recvmsg(fd, p, oob, flags)
		return in, ierr
	})
	return n, oobn, recvflags, from, err
}

// Write mirrors write(2).
func Write(fd int, p []byte) (int, error) {
	return doIO("write", fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev mirrors writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO("writev", fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send mirrors send(2).
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO("send", fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		err := unix.Sendto(fd, p, flags, nil)
		if err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Sendto mirrors sendto(2).
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO("sendto", fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		err := unix.Sendto(fd, p, flags, to)
		if err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Sendmsg mirrors sendmsg(2).
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO("sendmsg", fd, EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Accept mirrors accept(2), registering the accepted fd with the fd manager.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO("accept", fd, EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		var ierr error
		var in int
		in, sa, ierr = unix.Accept4(fd, unix.SOCK_CLOEXEC)
		return in, ierr
	})
	if err == nil && nfd >= 0 && IsHookEnable() {
		FdMgr().Get(nfd, true)
	}
	return nfd, sa, err
}

// Connect mirrors connect(2) with the configured tcp.connect.timeout bound.
func Connect(fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(fd, sa, ConnectTimeoutMS())
}

// ConnectWithTimeout performs a hooked connect: the nonblocking connect
// returns EINPROGRESS, the fiber parks on write readiness (optionally bounded
// by timeoutMS), and SO_ERROR decides the outcome on wakeup.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeoutMS uint64) error {
	if !IsHookEnable() {
		return unix.Connect(fd, sa)
	}
	meta := FdMgr().Get(fd, true)
	if meta == nil || meta.IsClosed() {
		return unix.EBADF
	}
	if !meta.IsSocket() || meta.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	iom := CurrentIOManager()
	if iom == nil {
		return unix.EINPROGRESS
	}

	cond := &Cond{}
	witness := weak.Make(cond)
	var timer *Timer
	if timeoutMS != NoTimeout {
		timer = iom.AddConditionTimer(timeoutMS, func() {
			c := witness.Value()
			if c == nil || !c.SetCancelled(unix.ETIMEDOUT) {
				return
			}
			iom.CancelEvent(fd, EventWrite)
		}, witness, false)
	}

	if aerr := iom.AddEvent(fd, EventWrite); aerr != nil {
		if timer != nil {
			timer.Cancel()
		}
		hookLogError("connect", fd, aerr)
		return unix.EINVAL
	}

	Yield()

	if timer != nil {
		timer.Cancel()
	}
	if errno := cond.Cancelled(); errno != 0 {
		return errno
	}

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return syscall.Errno(soErr)
	}
	return nil
}

// Close mirrors close(2): every wait registered on the fd is cancelled (its
// handler dispatched with cancellation semantics), the fd metadata is
// dropped, and the descriptor is closed.
func Close(fd int) error {
	if !IsHookEnable() {
		return unix.Close(fd)
	}
	if meta := FdMgr().Get(fd, false); meta != nil {
		// Mark the meta closed before cancelling so a woken waiter that
		// races the close observes EBADF instead of re-registering.
		FdMgr().Del(fd)
		if iom := CurrentIOManager(); iom != nil {
			iom.CancelAll(fd)
		}
	}
	return unix.Close(fd)
}

// SetNonblock mirrors the fcntl(F_SETFL, O_NONBLOCK) path: the user's wish is
// recorded, but tracked sockets stay kernel-nonblocking regardless so hooked
// calls keep their EAGAIN discipline.
func SetNonblock(fd int, nonblock bool) error {
	meta := FdMgr().Get(fd, false)
	if meta == nil || meta.IsClosed() || !meta.IsSocket() {
		return unix.SetNonblock(fd, nonblock)
	}
	meta.SetUserNonblock(nonblock)
	return unix.SetNonblock(fd, meta.SysNonblock())
}

// Nonblock mirrors the fcntl(F_GETFL) view: tracked sockets report what the
// user last asked for, not the forced kernel state.
func Nonblock(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	meta := FdMgr().Get(fd, false)
	if meta == nil || meta.IsClosed() || !meta.IsSocket() {
		return flags&unix.O_NONBLOCK != 0, nil
	}
	return meta.UserNonblock(), nil
}

// SetRecvTimeout caches and applies SO_RCVTIMEO; hooked reads use the cached
// value to bound their wait.
func SetRecvTimeout(fd int, d time.Duration) error {
	return setTimeout(fd, unix.SO_RCVTIMEO, d)
}

// SetSendTimeout caches and applies SO_SNDTIMEO; hooked writes use the
// cached value to bound their wait.
func SetSendTimeout(fd int, d time.Duration) error {
	return setTimeout(fd, unix.SO_SNDTIMEO, d)
}

func setTimeout(fd, kind int, d time.Duration) error {
	if IsHookEnable() {
		if meta := FdMgr().Get(fd, true); meta != nil {
			meta.SetTimeout(kind, uint64(d/time.Millisecond))
		}
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, kind, &tv)
}

// RecvTimeout returns the cached SO_RCVTIMEO for fd, NoTimeout if unset.
func RecvTimeout(fd int) uint64 {
	if meta := FdMgr().Get(fd, false); meta != nil {
		return meta.Timeout(unix.SO_RCVTIMEO)
	}
	return NoTimeout
}
