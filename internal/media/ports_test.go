package media

import (
	"net"
	"testing"
)

func TestNewPortPoolValidation(t *testing.T) {
	if _, err := NewPortPool(nil, 10001, 10010, testLogger()); err == nil {
		t.Error("odd portMin accepted")
	}
	if _, err := NewPortPool(nil, 10000, 10000, testLogger()); err == nil {
		t.Error("empty range accepted")
	}
}

func TestPortPoolAllocateRelease(t *testing.T) {
	pool, err := NewPortPool(net.IPv4(127, 0, 0, 1), 41000, 41003, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if pool.Capacity() != 2 {
		t.Fatalf("capacity = %d, want 2", pool.Capacity())
	}

	a, err := pool.Allocate()
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	b, err := pool.Allocate()
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if a.Ports.RTP == b.Ports.RTP {
		t.Errorf("same port handed out twice: %d", a.Ports.RTP)
	}
	for _, p := range []*SocketPair{a, b} {
		if p.Ports.RTP%2 != 0 || p.Ports.RTCP != p.Ports.RTP+1 {
			t.Errorf("bad pair %+v", p.Ports)
		}
	}

	if _, err := pool.Allocate(); err == nil {
		t.Error("allocate beyond capacity succeeded")
	}

	pool.Release(a)
	if pool.AllocatedCount() != 1 {
		t.Errorf("allocated = %d, want 1", pool.AllocatedCount())
	}
	c, err := pool.Allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if c.Ports.RTP != a.Ports.RTP {
		t.Errorf("reallocated port = %d, want %d", c.Ports.RTP, a.Ports.RTP)
	}
	pool.Release(b)
	pool.Release(c)
	pool.Release(nil)
}
