package dnsserver

import (
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/database64128/stubdns-go/dnswire"
	"github.com/database64128/stubdns-go/prefixset"
	"github.com/database64128/stubdns-go/reactor"
	"github.com/miekg/dns"
	"go.uber.org/zap"
	"go4.org/netipx"
	"golang.org/x/sys/unix"
)

// fakeReactor is the minimal reactor a port needs in tests.
type fakeReactor struct {
	sources map[int]*fakeSource
}

type fakeSource struct {
	fr            *fakeReactor
	fd            int
	onRead        func()
	onWrite       func()
	writeInterest bool
}

func (s *fakeSource) SetWriteInterest(enable bool) error {
	s.writeInterest = enable
	return nil
}

func (s *fakeSource) Close() error {
	delete(s.fr.sources, s.fd)
	return nil
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{sources: make(map[int]*fakeSource)}
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
	panic("no timers on server ports")
}

func (fr *fakeReactor) Submit(fn func()) {
	fn()
}

func (fr *fakeReactor) readable(fd int) {
	fr.sources[fd].onRead()
}

func (fr *fakeReactor) writable(fd int) {
	if s := fr.sources[fd]; s.writeInterest {
		s.onWrite()
	}
}

type inbound struct {
	pkt  []byte
	peer netip.AddrPort
}

type outbound struct {
	pkt  []byte
	peer netip.AddrPort
}

// fakeBoundSock is an in-memory bound UDP socket.
type fakeBoundSock struct {
	fd      int
	rx      []inbound
	sent    []outbound
	sendErr error
}

func (s *fakeBoundSock) SendTo(b []byte, to netip.AddrPort) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, outbound{append([]byte(nil), b...), to})
	return nil
}

func (s *fakeBoundSock) RecvFrom(b []byte) (int, netip.AddrPort, error) {
	if len(s.rx) == 0 {
		return 0, netip.AddrPort{}, unix.EAGAIN
	}
	in := s.rx[0]
	s.rx = s.rx[1:]
	return copy(b, in.pkt), in.peer, nil
}

func (s *fakeBoundSock) Fd() int {
	return s.fd
}

func (s *fakeBoundSock) Close() error {
	return nil
}

type portEnv struct {
	t    *testing.T
	fr   *fakeReactor
	sock *fakeBoundSock
	port *Port
}

func newPortEnv(t *testing.T, callback Callback, acl *netipx.IPSet) *portEnv {
	fr := newFakeReactor()
	sock := &fakeBoundSock{fd: 7}
	port, err := newPort(fr, sock, callback, acl, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &portEnv{t: t, fr: fr, sock: sock, port: port}
}

func buildQuery(t *testing.T, transID uint16, name string, qtype uint16) []byte {
	t.Helper()
	pkt, err := dnswire.AppendQuery(nil, transID, name, qtype)
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

func (env *portEnv) inject(pkt []byte, peer netip.AddrPort) {
	env.sock.rx = append(env.sock.rx, inbound{pkt, peer})
	env.fr.readable(env.sock.fd)
}

var testPeer = netip.MustParseAddrPort("192.0.2.10:34567")

func TestPortQueryResponse(t *testing.T) {
	env := newPortEnv(t, func(req *ServerRequest) {
		if len(req.Questions) != 1 {
			t.Fatalf("Got %d questions, expected 1", len(req.Questions))
		}
		q := req.Questions[0]
		if q.Name != "www.example.com" || q.Type != dnswire.TypeA {
			t.Fatalf("Bad question: %+v", q)
		}
		if req.Peer() != testPeer {
			t.Errorf("Peer is %s, expected %s", req.Peer(), testPeer)
		}
		if err := req.AddAReply(q.Name, []netip.Addr{netip.AddrFrom4([4]byte{192, 168, 11, 11})}, 10); err != nil {
			t.Fatal(err)
		}
		if err := req.Respond(dnswire.FlagResponse); err != nil {
			t.Fatal(err)
		}
	}, nil)

	env.inject(buildQuery(t, 0x0102, "www.example.com", dnswire.TypeA), testPeer)

	if len(env.sock.sent) != 1 {
		t.Fatalf("Sent %d replies, expected 1", len(env.sock.sent))
	}
	out := env.sock.sent[0]
	if out.peer != testPeer {
		t.Errorf("Reply sent to %s, expected %s", out.peer, testPeer)
	}

	var m dns.Msg
	if err := m.Unpack(out.pkt); err != nil {
		t.Fatal(err)
	}
	if m.Id != 0x0102 || !m.Response {
		t.Errorf("Bad reply header: %+v", m.MsgHdr)
	}
	if len(m.Answer) != 1 {
		t.Fatalf("Got %d answers, expected 1", len(m.Answer))
	}
	a, ok := m.Answer[0].(*dns.A)
	if !ok || !a.A.Equal(net.IPv4(192, 168, 11, 11)) {
		t.Errorf("Bad answer: %v", m.Answer[0])
	}
}

func TestPortIgnoresResponses(t *testing.T) {
	called := false
	env := newPortEnv(t, func(req *ServerRequest) {
		called = true
	}, nil)

	pkt := buildQuery(t, 1, "example.com", dnswire.TypeA)
	pkt[2] |= 0x80 // QR bit
	env.inject(pkt, testPeer)

	if called {
		t.Error("Callback fired for an answer packet")
	}
}

func TestPortBackpressure(t *testing.T) {
	env := newPortEnv(t, func(req *ServerRequest) {
		_ = req.AddAReply(req.Questions[0].Name, []netip.Addr{netip.AddrFrom4([4]byte{10, 0, 0, 1})}, 60)
		if err := req.Respond(dnswire.FlagResponse); err != nil {
			t.Fatal(err)
		}
	}, nil)

	// The socket chokes: replies queue in arrival order.
	env.sock.sendErr = unix.EAGAIN
	env.inject(buildQuery(t, 1, "one.example", dnswire.TypeA), testPeer)
	env.inject(buildQuery(t, 2, "two.example", dnswire.TypeA), testPeer)

	if len(env.sock.sent) != 0 {
		t.Fatal("Replies were sent despite EAGAIN")
	}
	src := env.fr.sources[env.sock.fd]
	if !src.writeInterest {
		t.Fatal("Expected a write-ready subscription after EAGAIN")
	}
	if env.port.numPending != 2 {
		t.Fatalf("Got %d pending replies, expected 2", env.port.numPending)
	}

	// Writability flushes in order and drops the subscription.
	env.sock.sendErr = nil
	env.fr.writable(env.sock.fd)

	if len(env.sock.sent) != 2 {
		t.Fatalf("Flushed %d replies, expected 2", len(env.sock.sent))
	}
	var m dns.Msg
	if err := m.Unpack(env.sock.sent[0].pkt); err != nil {
		t.Fatal(err)
	}
	if m.Id != 1 {
		t.Errorf("First flushed reply has id %d, expected 1", m.Id)
	}
	if src.writeInterest {
		t.Error("Expected the write-ready subscription to be dropped")
	}
	if env.port.numPending != 0 {
		t.Errorf("Got %d pending replies, expected 0", env.port.numPending)
	}
}

func TestPortACL(t *testing.T) {
	acl, err := prefixset.IPSetFromText("192.0.2.0/24\n")
	if err != nil {
		t.Fatal(err)
	}

	called := 0
	env := newPortEnv(t, func(req *ServerRequest) {
		called++
		req.Drop()
	}, acl)

	env.inject(buildQuery(t, 1, "example.com", dnswire.TypeA), testPeer)
	env.inject(buildQuery(t, 2, "example.com", dnswire.TypeA), netip.MustParseAddrPort("203.0.113.9:1053"))

	if called != 1 {
		t.Errorf("Callback fired %d times, expected 1 (allowed peer only)", called)
	}
}

func TestZoneHandler(t *testing.T) {
	zone, err := NewZone([]RecordConfig{
		{Name: "host.example.com", Type: "A", Value: "192.0.2.4", TTL: 120},
		{Name: "host.example.com", Type: "A", Value: "192.0.2.5", TTL: 120},
		{Name: "host.example.com", Type: "AAAA", Value: "2001:db8::4"},
		{Name: "single.example.com", Type: "A", Value: "192.0.2.6", TTL: 60},
		{Name: "alias.example.com", Type: "CNAME", Value: "single.example.com"},
		{Name: "192.0.2.4", Type: "PTR", Value: "host.example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}

	env := newPortEnv(t, zone.Handle, nil)

	t.Run("A", func(t *testing.T) {
		env.sock.sent = nil
		env.inject(buildQuery(t, 10, "HOST.example.com", dnswire.TypeA), testPeer)

		// Both addresses travel in one A record's RDATA, so parse with
		// the resolver's own reply parser.
		hdr, err := dnswire.ParseHeader(env.sock.sent[0].pkt)
		if err != nil {
			t.Fatal(err)
		}
		if hdr.RCode() != 0 {
			t.Fatalf("RCode %d, expected success", hdr.RCode())
		}
		ans, err := dnswire.ParseAnswer(env.sock.sent[0].pkt, hdr, dnswire.TypeA, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(ans.Addrs) != 2 {
			t.Errorf("Got %d addresses, expected 2", len(ans.Addrs))
		}
		if ans.TTL != 120 {
			t.Errorf("TTL %d, expected 120", ans.TTL)
		}
	})

	t.Run("CNAME", func(t *testing.T) {
		env.sock.sent = nil
		env.inject(buildQuery(t, 11, "alias.example.com", dnswire.TypeA), testPeer)

		var m dns.Msg
		if err := m.Unpack(env.sock.sent[0].pkt); err != nil {
			t.Fatal(err)
		}
		if len(m.Answer) != 2 {
			t.Fatalf("Got %d answers, expected CNAME + A", len(m.Answer))
		}
		cname, ok := m.Answer[0].(*dns.CNAME)
		if !ok || cname.Target != "single.example.com." {
			t.Errorf("Bad CNAME answer: %v", m.Answer[0])
		}
		a, ok := m.Answer[1].(*dns.A)
		if !ok || !a.A.Equal(net.IPv4(192, 0, 2, 6)) {
			t.Errorf("Bad chased A answer: %v", m.Answer[1])
		}
	})

	t.Run("PTR", func(t *testing.T) {
		env.sock.sent = nil
		env.inject(buildQuery(t, 12, "4.2.0.192.in-addr.arpa", dnswire.TypePTR), testPeer)

		var m dns.Msg
		if err := m.Unpack(env.sock.sent[0].pkt); err != nil {
			t.Fatal(err)
		}
		if len(m.Answer) != 1 {
			t.Fatalf("Got %d answers, expected 1", len(m.Answer))
		}
		ptr, ok := m.Answer[0].(*dns.PTR)
		if !ok || ptr.Ptr != "host.example.com." {
			t.Errorf("Bad PTR answer: %v", m.Answer[0])
		}
	})

	t.Run("NXDOMAIN", func(t *testing.T) {
		env.sock.sent = nil
		env.inject(buildQuery(t, 13, "missing.example.com", dnswire.TypeA), testPeer)

		var m dns.Msg
		if err := m.Unpack(env.sock.sent[0].pkt); err != nil {
			t.Fatal(err)
		}
		if m.Rcode != dns.RcodeNameError {
			t.Errorf("Rcode %d, expected NXDOMAIN", m.Rcode)
		}
		if len(m.Answer) != 0 {
			t.Errorf("Got %d answers, expected none", len(m.Answer))
		}
	})
}

func TestAddRecordAfterRespond(t *testing.T) {
	env := newPortEnv(t, func(req *ServerRequest) {
		_ = req.AddAReply(req.Questions[0].Name, []netip.Addr{netip.AddrFrom4([4]byte{10, 0, 0, 1})}, 60)
		if err := req.Respond(dnswire.FlagResponse); err != nil {
			t.Fatal(err)
		}
		if err := req.AddAReply(req.Questions[0].Name, []netip.Addr{netip.AddrFrom4([4]byte{10, 0, 0, 2})}, 60); err != ErrResponseBuilt {
			t.Errorf("Expected ErrResponseBuilt, got %v", err)
		}
	}, nil)

	env.inject(buildQuery(t, 1, "example.com", dnswire.TypeA), testPeer)
}
