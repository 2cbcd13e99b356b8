package dnsserver

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/database64128/stubdns-go/conn"
	"github.com/database64128/stubdns-go/reactor"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

func TestPortEndToEnd(t *testing.T) {
	loop, err := reactor.NewLoop(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	sock, err := conn.ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	listenAddr, err := sock.LocalAddrPort()
	if err != nil {
		t.Fatal(err)
	}

	zone, err := NewZone([]RecordConfig{
		{Name: "host.example.com", Type: "A", Value: "192.0.2.4", TTL: 120},
	})
	if err != nil {
		t.Fatal(err)
	}

	port, err := NewPort(loop, sock, zone.Handle, nil, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(ctx)
	}()
	defer func() {
		closed := make(chan struct{})
		loop.Submit(func() {
			_ = port.Close()
			close(closed)
		})
		<-closed
		cancel()
		<-loopDone
	}()

	var m dns.Msg
	m.SetQuestion("host.example.com.", dns.TypeA)

	c := &dns.Client{Timeout: 5 * time.Second}
	in, _, err := c.Exchange(&m, listenAddr.String())
	if err != nil {
		t.Fatal(err)
	}

	if in.Rcode != dns.RcodeSuccess {
		t.Fatalf("Rcode %d, expected success", in.Rcode)
	}
	if len(in.Answer) != 1 {
		t.Fatalf("Got %d answers, expected 1", len(in.Answer))
	}
	a, ok := in.Answer[0].(*dns.A)
	if !ok || !a.A.Equal(net.IPv4(192, 0, 2, 4)) {
		t.Errorf("Bad answer: %v", in.Answer[0])
	}
}
