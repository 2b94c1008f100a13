package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	readBufferSize = 8192
	readTimeout    = 100 * time.Millisecond
)

// Counters are the datagram totals of a socket pair.
type Counters struct {
	RTPReceived  uint64
	RTCPReceived uint64
	Filtered     uint64
	RTPSent      uint64
	RTCPSent     uint64
}

// SocketPair is a bound RTP socket and its RTCP companion.
type SocketPair struct {
	rtp  *net.UDPConn
	rtcp *net.UDPConn

	mu     sync.RWMutex
	onRTP  Handler
	onRTCP Handler
	filter SourceFilter
	source SourceInfo
	dscp   int

	closed       atomic.Bool
	rtpReceived  atomic.Uint64
	rtcpReceived atomic.Uint64
	filtered     atomic.Uint64
	rtpSent      atomic.Uint64
	rtcpSent     atomic.Uint64
}

// Listen binds the RTP and RTCP sockets. A zero rtcpPort selects
// rtpPort+1, or an ephemeral port when rtpPort is also zero.
func Listen(bindIP string, rtpPort, rtcpPort int) (*SocketPair, error) {
	if err := ValidatePort(rtpPort); err != nil {
		return nil, err
	}
	if err := ValidatePort(rtcpPort); err != nil {
		return nil, err
	}
	ip, err := parseIP(bindIP)
	if err != nil {
		return nil, err
	}
	if rtcpPort == 0 && rtpPort != 0 {
		if rtpPort == 65535 {
			return nil, fmt.Errorf("%w: no port above %d for RTCP", ErrInvalidPort, rtpPort)
		}
		rtcpPort = rtpPort + 1
	}

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("%w: RTP port %d: %v", ErrBind, rtpPort, err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: rtcpPort})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("%w: RTCP port %d: %v", ErrBind, rtcpPort, err)
	}

	p := &SocketPair{rtp: rtpConn, rtcp: rtcpConn}
	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"rtp":      rtpConn.LocalAddr().String(),
		"rtcp":     rtcpConn.LocalAddr().String(),
	}).Debug("Bound socket pair")
	return p, nil
}

// SetHandlers installs the callbacks for received datagrams.
func (p *SocketPair) SetHandlers(onRTP, onRTCP Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRTP = onRTP
	p.onRTCP = onRTCP
}

// SetFilter replaces the source filter.
func (p *SocketPair) SetFilter(f SourceFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = f
}

// Filter returns the source filter.
func (p *SocketPair) Filter() SourceFilter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filter
}

// Source returns the address of the most recent accepted sender.
func (p *SocketPair) Source() SourceInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

// LocalPorts returns the bound RTP and RTCP ports.
func (p *SocketPair) LocalPorts() (rtpPort, rtcpPort int) {
	return p.rtp.LocalAddr().(*net.UDPAddr).Port, p.rtcp.LocalAddr().(*net.UDPAddr).Port
}

// LocalIP returns the bound address, empty for the wildcard address.
func (p *SocketPair) LocalIP() string {
	ip := p.rtp.LocalAddr().(*net.UDPAddr).IP
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

// SetToS marks outgoing packets with dscp on both sockets.
func (p *SocketPair) SetToS(dscp int) error {
	if err := ValidateDSCP(dscp); err != nil {
		return err
	}
	for _, conn := range []*net.UDPConn{p.rtp, p.rtcp} {
		if err := setToS(conn, dscp); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SetToS",
				"local":    conn.LocalAddr().String(),
				"dscp":     dscp,
				"error":    err.Error(),
			}).Warn("Failed to set traffic class")
			return fmt.Errorf("set DSCP %d: %w", dscp, err)
		}
	}
	p.mu.Lock()
	p.dscp = dscp
	p.mu.Unlock()
	return nil
}

// ToS returns the DSCP value last applied.
func (p *SocketPair) ToS() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dscp
}

func setToS(conn *net.UDPConn, dscp int) error {
	addr := conn.LocalAddr().(*net.UDPAddr)
	if addr.IP != nil && addr.IP.To4() == nil {
		return ipv6.NewConn(conn).SetTrafficClass(dscp << 2)
	}
	return ipv4.NewConn(conn).SetTOS(dscp << 2)
}

// WriteRTP sends an RTP datagram.
func (p *SocketPair) WriteRTP(data []byte, to *net.UDPAddr) (int, error) {
	n, err := p.write(p.rtp, data, to)
	if err == nil {
		p.rtpSent.Add(1)
	}
	return n, err
}

// WriteRTCP sends an RTCP datagram.
func (p *SocketPair) WriteRTCP(data []byte, to *net.UDPAddr) (int, error) {
	n, err := p.write(p.rtcp, data, to)
	if err == nil {
		p.rtcpSent.Add(1)
	}
	return n, err
}

func (p *SocketPair) write(conn *net.UDPConn, data []byte, to *net.UDPAddr) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if to == nil {
		return 0, ErrNoDestination
	}
	return conn.WriteToUDP(data, to)
}

// Counters returns the datagram totals.
func (p *SocketPair) Counters() Counters {
	return Counters{
		RTPReceived:  p.rtpReceived.Load(),
		RTCPReceived: p.rtcpReceived.Load(),
		Filtered:     p.filtered.Load(),
		RTPSent:      p.rtpSent.Load(),
		RTCPSent:     p.rtcpSent.Load(),
	}
}

// Run reads both sockets until ctx is done or the pair is closed.
func (p *SocketPair) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readLoop(ctx, p.rtp, false)
	}()
	go func() {
		defer wg.Done()
		p.readLoop(ctx, p.rtcp, true)
	}()
	wg.Wait()
	return nil
}

func (p *SocketPair) readLoop(ctx context.Context, conn *net.UDPConn, rtcp bool) {
	buffer := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if p.closed.Load() {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if p.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"local":    conn.LocalAddr().String(),
				"error":    err.Error(),
			}).Warn("Socket read failed")
			continue
		}
		p.dispatch(buffer[:n], addr, rtcp)
	}
}

func (p *SocketPair) dispatch(data []byte, addr *net.UDPAddr, rtcp bool) {
	p.mu.Lock()
	if !p.filter.Allows(addr, rtcp) {
		p.mu.Unlock()
		p.filtered.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"from":     addr.String(),
			"rtcp":     rtcp,
		}).Debug("Source filter dropped packet")
		return
	}
	p.source.IP = addr.IP.String()
	handler := p.onRTP
	if rtcp {
		p.source.RTCPPort = addr.Port
		handler = p.onRTCP
	} else {
		p.source.RTPPort = addr.Port
	}
	p.mu.Unlock()

	if rtcp {
		p.rtcpReceived.Add(1)
	} else {
		p.rtpReceived.Add(1)
	}
	if handler != nil {
		handler(data, addr)
	}
}

// Close releases both sockets. Run returns shortly after.
func (p *SocketPair) Close() error {
	if p.closed.Swap(true) {
		return ErrClosed
	}
	errRTP := p.rtp.Close()
	errRTCP := p.rtcp.Close()
	if errRTP != nil {
		return errRTP
	}
	return errRTCP
}

// String returns the bound RTP and RTCP addresses.
func (p *SocketPair) String() string {
	rtpPort, rtcpPort := p.LocalPorts()
	return p.LocalIP() + ":" + strconv.Itoa(rtpPort) + "/" + strconv.Itoa(rtcpPort)
}
