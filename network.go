package videoengine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/config"
	"github.com/opd-ai/videoengine/transport"
)

// maxDeadOrAlivePeriod is the longest dead-or-alive sample period.
const maxDeadOrAlivePeriod = 255 * time.Second

// Network is the network facet: internal sockets, external transports,
// packet injection, QoS marking and liveness notifications.
type Network struct {
	e *Engine
}

// LocalReceiver describes the bound receive sockets of a channel.
type LocalReceiver struct {
	RTPPort  int
	RTCPPort int
	IP       string
}

// SetLocalReceiver binds the receive sockets of channel. A zero
// rtcpPort selects rtpPort+1, a zero rtpPort binds ephemeral ports and
// an empty bindIP the wildcard address. It fails while the channel is
// receiving.
func (n Network) SetLocalReceiver(channel, rtpPort, rtcpPort int, bindIP string) error {
	return n.e.track("SetLocalReceiver", n.e.setLocalReceiver(channel, rtpPort, rtcpPort, bindIP))
}

func (e *Engine) setLocalReceiver(channelID, rtpPort, rtcpPort int, bindIP string) error {
	if err := transport.ValidatePort(rtpPort); err != nil {
		return err
	}
	if err := transport.ValidatePort(rtcpPort); err != nil {
		return err
	}
	if rtpPort != 0 && rtcpPort == 0 {
		rtcpPort = rtpPort + 1
	}
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}
	ctx, workers, err := e.workers()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiving.Load() {
		return ErrReceiving
	}
	if c.ext != nil {
		return ErrExternalTransport
	}
	sock, err := transport.Listen(bindIP, rtpPort, rtcpPort)
	if err != nil {
		return err
	}
	if c.dscp > 0 {
		if err := sock.SetToS(c.dscp); err != nil {
			sock.Close()
			return err
		}
	}
	var filter transport.SourceFilter
	if c.socket != nil {
		filter = c.socket.Filter()
	}
	c.detachSocketLocked()
	sock.SetFilter(filter)
	c.attachSocketLocked(ctx, workers, sock)

	logrus.WithFields(logrus.Fields{
		"function":  "Engine.setLocalReceiver",
		"channel":   channelID,
		"rtp_port":  rtpPort,
		"rtcp_port": rtcpPort,
		"bind_ip":   bindIP,
	}).Info("Local receiver bound")
	return nil
}

// GetLocalReceiver returns the bound receive sockets.
func (n Network) GetLocalReceiver(channel int) (LocalReceiver, error) {
	c, err := n.e.channel(channel)
	if err != nil {
		return LocalReceiver{}, n.e.track("GetLocalReceiver", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.socket == nil || c.sendSocket {
		return LocalReceiver{}, n.e.track("GetLocalReceiver", ErrNoSocket)
	}
	rtpPort, rtcpPort := c.socket.LocalPorts()
	return LocalReceiver{RTPPort: rtpPort, RTCPPort: rtcpPort, IP: c.socket.LocalIP()}, n.e.track("GetLocalReceiver", nil)
}

// SetSendDestination sets where RTP and RTCP are sent. Zero source
// ports leave the choice to the system. It fails while sending and on a
// channel with an external transport.
func (n Network) SetSendDestination(channel int, ip string, rtpPort, rtcpPort, srcRTPPort, srcRTCPPort int) error {
	dest, err := transport.NewDestination(ip, rtpPort, rtcpPort, srcRTPPort, srcRTCPPort)
	if err != nil {
		return n.e.track("SetSendDestination", err)
	}
	c, err := n.e.channel(channel)
	if err != nil {
		return n.e.track("SetSendDestination", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending.Load() {
		return n.e.track("SetSendDestination", ErrSending)
	}
	if c.ext != nil {
		return n.e.track("SetSendDestination", ErrExternalTransport)
	}
	c.dest = dest
	return n.e.track("SetSendDestination", nil)
}

// GetSendDestination returns the send destination.
func (n Network) GetSendDestination(channel int) (transport.Destination, error) {
	c, err := n.e.channel(channel)
	if err != nil {
		return transport.Destination{}, n.e.track("GetSendDestination", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dest.IsZero() {
		return transport.Destination{}, n.e.track("GetSendDestination", transport.ErrNoDestination)
	}
	return c.dest, n.e.track("GetSendDestination", nil)
}

// RegisterSendTransport routes the outgoing packets of channel through
// t instead of the internal sockets.
func (n Network) RegisterSendTransport(channel int, t transport.Transport) error {
	if t == nil {
		return n.e.track("RegisterSendTransport", fmt.Errorf("%w: nil transport", ErrInvalidArgument))
	}
	c, err := n.e.channel(channel)
	if err != nil {
		return n.e.track("RegisterSendTransport", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ext != nil {
		return n.e.track("RegisterSendTransport", ErrTransportRegistered)
	}
	if !c.dest.IsZero() {
		return n.e.track("RegisterSendTransport", ErrDestinationSet)
	}
	c.ext = t
	return n.e.track("RegisterSendTransport", nil)
}

// DeregisterSendTransport removes the external transport. It fails
// while sending.
func (n Network) DeregisterSendTransport(channel int) error {
	c, err := n.e.channel(channel)
	if err != nil {
		return n.e.track("DeregisterSendTransport", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending.Load() {
		return n.e.track("DeregisterSendTransport", ErrSending)
	}
	if c.ext == nil {
		return n.e.track("DeregisterSendTransport", ErrNoTransport)
	}
	c.ext = nil
	return n.e.track("DeregisterSendTransport", nil)
}

// ReceivedRTPPacket injects an RTP packet received by an external
// transport. The channel must be receiving.
func (n Network) ReceivedRTPPacket(channel int, data []byte) error {
	return n.e.track("ReceivedRTPPacket", n.e.inject(channel, data, false))
}

// ReceivedRTCPPacket injects an RTCP packet received by an external
// transport. The channel must be receiving.
func (n Network) ReceivedRTCPPacket(channel int, data []byte) error {
	return n.e.track("ReceivedRTCPPacket", n.e.inject(channel, data, true))
}

func (e *Engine) inject(channelID int, data []byte, isRTCP bool) error {
	if data == nil {
		return fmt.Errorf("%w: nil packet", ErrInvalidArgument)
	}
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}
	if !c.receiving.Load() {
		return ErrNotReceiving
	}
	if err := c.checkLength(len(data), rtpHeaderSize); err != nil {
		return err
	}
	buf := append([]byte(nil), data...)
	if isRTCP {
		return c.receiveRTCP(buf, e.now())
	}
	return c.receiveRTP(buf, e.now())
}

// SetSourceFilter drops packets from any source but the given one. Zero
// ports and an empty ip match anything.
func (n Network) SetSourceFilter(channel, rtpPort, rtcpPort int, ip string) error {
	f, err := transport.NewSourceFilter(rtpPort, rtcpPort, ip)
	if err != nil {
		return n.e.track("SetSourceFilter", err)
	}
	c, err := n.e.channel(channel)
	if err != nil {
		return n.e.track("SetSourceFilter", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.socket == nil {
		return n.e.track("SetSourceFilter", ErrNoSocket)
	}
	c.socket.SetFilter(f)
	return n.e.track("SetSourceFilter", nil)
}

// GetSourceFilter returns the source filter.
func (n Network) GetSourceFilter(channel int) (transport.SourceFilter, error) {
	c, err := n.e.channel(channel)
	if err != nil {
		return transport.SourceFilter{}, n.e.track("GetSourceFilter", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.socket == nil {
		return transport.SourceFilter{}, n.e.track("GetSourceFilter", ErrNoSocket)
	}
	return c.socket.Filter(), n.e.track("GetSourceFilter", nil)
}

// GetSourceInfo returns the address packets were last received from.
func (n Network) GetSourceInfo(channel int) (transport.SourceInfo, error) {
	c, err := n.e.channel(channel)
	if err != nil {
		return transport.SourceInfo{}, n.e.track("GetSourceInfo", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.socket == nil {
		return transport.SourceInfo{}, n.e.track("GetSourceInfo", ErrNoSocket)
	}
	return c.socket.Source(), n.e.track("GetSourceInfo", nil)
}

// SetMTU sets the largest datagram the channel sends, IP and UDP
// headers included.
func (n Network) SetMTU(channel, mtu int) error {
	if mtu < config.MinMTU || mtu > config.MaxMTU {
		return n.e.track("SetMTU", fmt.Errorf("%w: %d", ErrInvalidMTU, mtu))
	}
	c, err := n.e.channel(channel)
	if err != nil {
		return n.e.track("SetMTU", err)
	}
	c.mu.Lock()
	c.mtu = mtu
	c.mu.Unlock()
	return n.e.track("SetMTU", nil)
}

// SetSendToS marks outgoing packets with dscp. useSetSockopt is
// recorded; marking always goes through the socket options.
func (n Network) SetSendToS(channel, dscp int, useSetSockopt bool) error {
	if err := transport.ValidateDSCP(dscp); err != nil {
		return n.e.track("SetSendToS", err)
	}
	c, err := n.e.channel(channel)
	if err != nil {
		return n.e.track("SetSendToS", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ext != nil {
		return n.e.track("SetSendToS", ErrExternalTransport)
	}
	if c.socket != nil {
		if err := c.socket.SetToS(dscp); err != nil {
			return n.e.track("SetSendToS", err)
		}
	}
	c.dscp, c.tosSockopt = dscp, useSetSockopt
	return n.e.track("SetSendToS", nil)
}

// GetSendToS returns the DSCP marking.
func (n Network) GetSendToS(channel int) (dscp int, useSetSockopt bool, err error) {
	c, err := n.e.channel(channel)
	if err != nil {
		return 0, false, n.e.track("GetSendToS", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dscp, c.tosSockopt, n.e.track("GetSendToS", nil)
}

// SetSendGQoS requests a GQoS service type. Only best effort,
// controlled load, guaranteed and qualitative are accepted; the
// request is applied as the matching DSCP marking.
func (n Network) SetSendGQoS(channel int, enable bool, service transport.ServiceType) error {
	if enable {
		if err := service.Validate(); err != nil {
			return n.e.track("SetSendGQoS", err)
		}
	}
	c, err := n.e.channel(channel)
	if err != nil {
		return n.e.track("SetSendGQoS", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ext != nil {
		return n.e.track("SetSendGQoS", ErrExternalTransport)
	}
	if enable && c.gqos {
		return n.e.track("SetSendGQoS", fmt.Errorf("%w: GQoS enabled", ErrFeatureState))
	}
	dscp := 0
	if enable {
		dscp = service.DSCP()
	}
	if c.socket != nil {
		if err := c.socket.SetToS(dscp); err != nil {
			return n.e.track("SetSendGQoS", err)
		}
	}
	c.gqos, c.serviceType, c.dscp = enable, service, dscp
	return n.e.track("SetSendGQoS", nil)
}

// GetSendGQoS returns the GQoS state.
func (n Network) GetSendGQoS(channel int) (enabled bool, service transport.ServiceType, err error) {
	c, err := n.e.channel(channel)
	if err != nil {
		return false, 0, n.e.track("GetSendGQoS", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gqos, c.serviceType, n.e.track("GetSendGQoS", nil)
}

// SetPacketTimeoutNotification raises PacketTimeout(NoPacket) after
// timeout without incoming RTP, and PacketReceived when packets resume.
func (n Network) SetPacketTimeoutNotification(channel int, enable bool, timeout time.Duration) error {
	if enable && timeout <= 0 {
		return n.e.track("SetPacketTimeoutNotification", fmt.Errorf("%w: %v", ErrInvalidTimeout, timeout))
	}
	c, err := n.e.channel(channel)
	if err != nil {
		return n.e.track("SetPacketTimeoutNotification", err)
	}
	now := n.e.now()
	c.mu.Lock()
	if enable {
		c.timeout = timeout
	} else {
		c.timeout = 0
	}
	c.mu.Unlock()

	c.stateMu.Lock()
	c.timedOut = false
	if c.lastPacket.IsZero() {
		c.lastPacket = now
	}
	c.stateMu.Unlock()
	return n.e.track("SetPacketTimeoutNotification", nil)
}

// SetPeriodicDeadOrAliveStatus reports every sample period whether any
// RTP or RTCP arrived during it. sample must be 1..255 s.
func (n Network) SetPeriodicDeadOrAliveStatus(channel int, enable bool, sample time.Duration) error {
	if enable && (sample < time.Second || sample > maxDeadOrAlivePeriod) {
		return n.e.track("SetPeriodicDeadOrAliveStatus", fmt.Errorf("%w: sample period %v", ErrInvalidTimeout, sample))
	}
	c, err := n.e.channel(channel)
	if err != nil {
		return n.e.track("SetPeriodicDeadOrAliveStatus", err)
	}
	now := n.e.now()
	c.mu.Lock()
	if enable {
		c.aliveInterval = sample
	} else {
		c.aliveInterval = 0
	}
	c.mu.Unlock()

	c.stateMu.Lock()
	c.sinceAlive = 0
	c.nextAlive = time.Time{}
	if enable {
		c.nextAlive = now.Add(sample)
	}
	c.stateMu.Unlock()
	return n.e.track("SetPeriodicDeadOrAliveStatus", nil)
}

// RegisterObserver installs the network observer of channel.
func (n Network) RegisterObserver(channel int, observer NetworkObserver) error {
	return n.e.track("RegisterObserver", n.e.setObserver(channel, observer == nil, func(o *observers) error {
		if o.network != nil {
			return ErrObserverExists
		}
		o.network = observer
		return nil
	}))
}

// DeregisterObserver removes the network observer of channel.
func (n Network) DeregisterObserver(channel int) error {
	return n.e.track("DeregisterObserver", n.e.setObserver(channel, false, func(o *observers) error {
		if o.network == nil {
			return ErrNoObserver
		}
		o.network = nil
		return nil
	}))
}
