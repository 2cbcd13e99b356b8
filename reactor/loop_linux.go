package reactor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Loop is an epoll-backed [Reactor]. All registered callbacks run on the
// goroutine that calls [Loop.Run].
type Loop struct {
	logger *zap.Logger

	epollFD int
	eventFD int

	sources map[int]*ioSource
	timers  timerHeap

	mu      sync.Mutex
	posted  []func()
	stopped bool
}

// NewLoop creates a new event loop.
func NewLoop(logger *zap.Logger) (*Loop, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	eventFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epollFD)
		return nil, os.NewSyscallError("eventfd", err)
	}

	if err = unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, eventFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(eventFD),
	}); err != nil {
		_ = unix.Close(eventFD)
		_ = unix.Close(epollFD)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	return &Loop{
		logger:  logger,
		epollFD: epollFD,
		eventFD: eventFD,
		sources: make(map[int]*ioSource),
	}, nil
}

type ioSource struct {
	loop          *Loop
	fd            int
	onRead        func()
	onWrite       func()
	writeInterest bool
	closed        bool
}

func (s *ioSource) epollEvents() uint32 {
	events := uint32(unix.EPOLLIN)
	if s.writeInterest {
		events |= unix.EPOLLOUT
	}
	return events
}

// SetWriteInterest implements [Source.SetWriteInterest].
func (s *ioSource) SetWriteInterest(enable bool) error {
	if s.closed || s.writeInterest == enable {
		return nil
	}
	s.writeInterest = enable
	if err := unix.EpollCtl(s.loop.epollFD, unix.EPOLL_CTL_MOD, s.fd, &unix.EpollEvent{
		Events: s.epollEvents(),
		Fd:     int32(s.fd),
	}); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Close implements [Source.Close].
func (s *ioSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.loop.sources, s.fd)
	if err := unix.EpollCtl(s.loop.epollFD, unix.EPOLL_CTL_DEL, s.fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// OnReady implements [Reactor.OnReady].
func (l *Loop) OnReady(fd int, onRead, onWrite func()) (Source, error) {
	if _, ok := l.sources[fd]; ok {
		return nil, fmt.Errorf("fd %d is already registered", fd)
	}
	s := &ioSource{
		loop:    l,
		fd:      fd,
		onRead:  onRead,
		onWrite: onWrite,
	}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: s.epollEvents(),
		Fd:     int32(fd),
	}); err != nil {
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	l.sources[fd] = s
	return s, nil
}

type loopTimer struct {
	loop     *Loop
	fn       func()
	deadline time.Time
	index    int // heap index, -1 when disarmed
}

// Reset implements [Timer.Reset].
func (t *loopTimer) Reset(d time.Duration) {
	t.deadline = time.Now().Add(d)
	if t.index >= 0 {
		heap.Fix(&t.loop.timers, t.index)
		return
	}
	heap.Push(&t.loop.timers, t)
}

// Stop implements [Timer.Stop].
func (t *loopTimer) Stop() {
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
}

// AfterFunc implements [Reactor.AfterFunc].
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{
		loop:     l,
		fn:       fn,
		deadline: time.Now().Add(d),
		index:    -1,
	}
	heap.Push(&l.timers, t)
	return t
}

// Submit implements [Reactor.Submit].
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	var one [8]byte
	one[7] = 1
	if _, err := unix.Write(l.eventFD, one[:]); err != nil && err != unix.EAGAIN {
		l.logger.Warn("Failed to wake event loop", zap.Error(err))
	}
}

// Stop makes [Loop.Run] return after the current dispatch cycle.
func (l *Loop) Stop() {
	l.Submit(func() {
		l.stopped = true
	})
}

func (l *Loop) drainPosted() {
	for {
		l.mu.Lock()
		posted := l.posted
		l.posted = nil
		l.mu.Unlock()
		if len(posted) == 0 {
			return
		}
		for _, fn := range posted {
			fn()
		}
	}
}

func (l *Loop) fireDueTimers() {
	now := time.Now()
	for l.timers.Len() > 0 {
		t := l.timers[0]
		if t.deadline.After(now) {
			return
		}
		heap.Pop(&l.timers)
		t.fn()
	}
}

func (l *Loop) epollTimeoutMsec() int {
	if l.timers.Len() == 0 {
		return -1
	}
	d := time.Until(l.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	msec := int(d / time.Millisecond)
	// Round up so we don't spin ahead of the deadline.
	if d%time.Millisecond != 0 {
		msec++
	}
	return msec
}

// Run dispatches events until ctx is canceled or [Loop.Stop] is called.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	events := make([]unix.EpollEvent, 64)

	for !l.stopped {
		n, err := unix.EpollWait(l.epollFD, events, l.epollTimeoutMsec())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return os.NewSyscallError("epoll_wait", err)
		}

		for _, ev := range events[:n] {
			fd := int(ev.Fd)
			if fd == l.eventFD {
				var buf [8]byte
				_, _ = unix.Read(l.eventFD, buf[:])
				l.drainPosted()
				continue
			}
			s, ok := l.sources[fd]
			if !ok {
				// Unregistered during an earlier callback this cycle.
				continue
			}
			if ev.Events&(unix.EPOLLOUT) != 0 && s.onWrite != nil && !s.closed {
				s.onWrite()
			}
			if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 && s.onRead != nil && !s.closed {
				s.onRead()
			}
		}

		l.fireDueTimers()
		l.drainPosted()
	}

	return ctx.Err()
}

// Close releases the loop's own file descriptors. It must not be called
// while [Loop.Run] is executing.
func (l *Loop) Close() error {
	err := unix.Close(l.eventFD)
	if cerr := unix.Close(l.epollFD); cerr != nil && err == nil {
		err = cerr
	}
	return os.NewSyscallError("close", err)
}

type timerHeap []*loopTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*loopTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
