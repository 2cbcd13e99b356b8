package resolver

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/database64128/stubdns-go/reactor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// fakeReactor drives the resolver deterministically in tests: timers fire
// on manual advancement, readiness events on explicit calls.
type fakeReactor struct {
	now     time.Time
	timers  []*fakeTimer
	sources map[int]*fakeSource
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{
		now:     time.Unix(1700000000, 0),
		sources: make(map[int]*fakeSource),
	}
}

type fakeTimer struct {
	fr       *fakeReactor
	fn       func()
	deadline time.Time
	armed    bool
}

func (t *fakeTimer) Reset(d time.Duration) {
	t.deadline = t.fr.now.Add(d)
	t.armed = true
}

func (t *fakeTimer) Stop() {
	t.armed = false
}

type fakeSource struct {
	fr            *fakeReactor
	fd            int
	onRead        func()
	onWrite       func()
	writeInterest bool
	closed        bool
}

func (s *fakeSource) SetWriteInterest(enable bool) error {
	s.writeInterest = enable
	return nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	delete(s.fr.sources, s.fd)
	return nil
}

func (fr *fakeReactor) OnReady(fd int, onRead, onWrite func()) (reactor.Source, error) {
	if _, ok := fr.sources[fd]; ok {
		return nil, fmt.Errorf("fd %d is already registered", fd)
	}
	s := &fakeSource{fr: fr, fd: fd, onRead: onRead, onWrite: onWrite}
	fr.sources[fd] = s
	return s, nil
}

func (fr *fakeReactor) AfterFunc(d time.Duration, fn func()) reactor.Timer {
	t := &fakeTimer{fr: fr, fn: fn, deadline: fr.now.Add(d), armed: true}
	fr.timers = append(fr.timers, t)
	return t
}

func (fr *fakeReactor) Submit(fn func()) {
	fn()
}

// advance moves fake time forward, firing due timers in deadline order.
func (fr *fakeReactor) advance(d time.Duration) {
	target := fr.now.Add(d)
	for {
		var earliest *fakeTimer
		for _, t := range fr.timers {
			if t.armed && !t.deadline.After(target) && (earliest == nil || t.deadline.Before(earliest.deadline)) {
				earliest = t
			}
		}
		if earliest == nil {
			break
		}
		fr.now = earliest.deadline
		earliest.armed = false
		earliest.fn()
	}
	fr.now = target
}

// armedTimerAt reports whether any timer is armed to fire after exactly d.
func (fr *fakeReactor) armedTimerAt(d time.Duration) bool {
	deadline := fr.now.Add(d)
	for _, t := range fr.timers {
		if t.armed && t.deadline.Equal(deadline) {
			return true
		}
	}
	return false
}

func (fr *fakeReactor) readable(fd int) {
	if s, ok := fr.sources[fd]; ok {
		s.onRead()
	}
}

func (fr *fakeReactor) writable(fd int) {
	if s, ok := fr.sources[fd]; ok && s.writeInterest {
		s.onWrite()
	}
}

// fakeSock is an in-memory connected UDP socket.
type fakeSock struct {
	fd      int
	addr    netip.Addr
	sent    [][]byte
	rx      [][]byte
	sendErr error
	closed  bool
}

func (s *fakeSock) Send(b []byte) (int, error) {
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	s.sent = append(s.sent, append([]byte(nil), b...))
	return len(b), nil
}

func (s *fakeSock) Recv(b []byte) (int, error) {
	if len(s.rx) == 0 {
		return 0, unix.EAGAIN
	}
	pkt := s.rx[0]
	s.rx = s.rx[1:]
	return copy(b, pkt), nil
}

func (s *fakeSock) Fd() int {
	return s.fd
}

func (s *fakeSock) Close() error {
	s.closed = true
	return nil
}

// testEnv bundles a resolver with its fakes.
type testEnv struct {
	t      *testing.T
	fr     *fakeReactor
	r      *Resolver
	socks  map[netip.Addr]*fakeSock
	nextFd int
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	fr := newFakeReactor()
	env := &testEnv{
		t:      t,
		fr:     fr,
		r:      New(cfg, fr, zap.NewNop(), nil),
		socks:  make(map[netip.Addr]*fakeSock),
		nextFd: 100,
	}
	env.r.dial = func(addr netip.Addr) (packetConn, error) {
		s := &fakeSock{fd: env.nextFd, addr: addr}
		env.nextFd++
		env.socks[addr] = s
		return s, nil
	}
	return env
}

func (env *testEnv) addNameserver(s string) *fakeSock {
	env.t.Helper()
	if err := env.r.NameserverIPAdd(s); err != nil {
		env.t.Fatal(err)
	}
	return env.socks[netip.MustParseAddr(s)]
}
