package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortPair holds an RTP port and its companion RTCP port (RTP+1).
type PortPair struct {
	RTP  int
	RTCP int
}

// SocketPair holds the UDP connections for an RTP/RTCP port pair. The
// RTCP socket only reserves the port; we neither send nor read reports.
type SocketPair struct {
	Ports    PortPair
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both UDP sockets.
func (sp *SocketPair) Close() error {
	var rtpErr, rtcpErr error
	if sp.RTPConn != nil {
		rtpErr = sp.RTPConn.Close()
	}
	if sp.RTCPConn != nil {
		rtcpErr = sp.RTCPConn.Close()
	}
	if rtpErr != nil {
		return rtpErr
	}
	return rtcpErr
}

// PortPool hands out RTP/RTCP socket pairs for call legs. It allocates
// even-numbered ports for RTP and the next odd port for RTCP, within a
// configurable range.
type PortPool struct {
	bindIP  net.IP
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewPortPool creates a pool over [portMin, portMax] bound on bindIP.
// portMin must be even; portMax must be > portMin.
func NewPortPool(bindIP net.IP, portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}
	if bindIP == nil {
		bindIP = net.IPv4zero
	}

	l := logger.With("subsystem", "rtp-ports")
	p := &PortPool{
		bindIP:    bindIP,
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}
	l.Info("rtp port pool initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", p.Capacity(),
	)
	return p, nil
}

// Capacity returns the total number of port pairs available in the range.
func (p *PortPool) Capacity() int {
	return (p.portMax - p.portMin + 1) / 2
}

// AllocatedCount returns the number of currently allocated port pairs.
func (p *PortPool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Allocate binds the next free RTP+RTCP socket pair.
func (p *PortPool) Allocate() (*SocketPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.Capacity()
	if len(p.allocated) >= capacity {
		return nil, fmt.Errorf("no rtp ports available (all %d pairs allocated)", capacity)
	}

	for tried := 0; tried < capacity; tried++ {
		port := p.nextPort
		p.nextPort += 2
		if p.nextPort > p.portMax-1 {
			p.nextPort = p.portMin
		}

		if _, taken := p.allocated[port]; taken {
			continue
		}

		pair, err := p.bindPair(port)
		if err != nil {
			// Another process may hold the port.
			p.logger.Debug("port pair bind failed, trying next",
				"rtp_port", port,
				"error", err,
			)
			continue
		}

		p.allocated[port] = struct{}{}
		p.logger.Debug("port pair allocated",
			"rtp_port", port,
			"allocated", len(p.allocated),
		)
		return pair, nil
	}
	return nil, fmt.Errorf("no bindable rtp ports available")
}

// Release closes the sockets and returns the pair to the pool.
func (p *PortPool) Release(pair *SocketPair) {
	if pair == nil {
		return
	}
	if err := pair.Close(); err != nil {
		p.logger.Warn("error closing socket pair",
			"rtp_port", pair.Ports.RTP,
			"error", err,
		)
	}

	p.mu.Lock()
	delete(p.allocated, pair.Ports.RTP)
	p.mu.Unlock()
}

// bindPair creates UDP sockets for the given even port and its odd
// companion. If either bind fails, both are cleaned up.
func (p *PortPool) bindPair(rtpPort int) (*SocketPair, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.bindIP, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}

	rtcpPort := rtpPort + 1
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.bindIP, Port: rtcpPort})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtcpPort, err)
	}

	return &SocketPair{
		Ports:    PortPair{RTP: rtpPort, RTCP: rtcpPort},
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}, nil
}
