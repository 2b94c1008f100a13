package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Transport is a caller-supplied outbound path. Both methods return the
// number of bytes sent, or a negative value on failure.
type Transport interface {
	SendPacket(channel int, data []byte) int
	SendRTCPPacket(channel int, data []byte) int
}

// Handler receives one datagram read from a socket. data is only valid
// for the duration of the call.
type Handler func(data []byte, from *net.UDPAddr)

// ServiceType is a GQoS service type.
type ServiceType int

// GQoS service types, numbered as in the Windows QoS API.
const (
	ServiceNoTraffic          ServiceType = 0
	ServiceBestEffort         ServiceType = 1
	ServiceControlledLoad     ServiceType = 2
	ServiceGuaranteed         ServiceType = 3
	ServiceNetworkUnavailable ServiceType = 4
	ServiceGeneralInformation ServiceType = 5
	ServiceNoChange           ServiceType = 6
	ServiceNonConforming      ServiceType = 9
	ServiceNetworkControl     ServiceType = 10
	ServiceQualitative        ServiceType = 13
)

// Validate accepts the service types a sender can request.
func (s ServiceType) Validate() error {
	switch s {
	case ServiceBestEffort, ServiceControlledLoad, ServiceGuaranteed, ServiceQualitative:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnsupportedServiceType, int(s))
}

// DSCP maps a service type onto the code point used to mark packets.
func (s ServiceType) DSCP() int {
	switch s {
	case ServiceGuaranteed:
		return 46 // EF
	case ServiceControlledLoad:
		return 34 // AF41
	case ServiceQualitative:
		return 18 // AF21
	default:
		return 0
	}
}

// ValidatePort checks a UDP port number. Zero selects an ephemeral port
// when binding and acts as a wildcard in filters.
func ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// ValidateDSCP checks a differentiated services code point.
func ValidateDSCP(dscp int) error {
	if dscp < 0 || dscp > 63 {
		return fmt.Errorf("%w: %d", ErrInvalidDSCP, dscp)
	}
	return nil
}

func parseIP(s string) (net.IP, error) {
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return ip, nil
}

// Destination is where a channel sends RTP and RTCP.
type Destination struct {
	IP          string
	RTPPort     int
	RTCPPort    int
	SrcRTPPort  int
	SrcRTCPPort int

	ip net.IP
}

// NewDestination validates the address and fills the RTCP port with
// rtpPort+1 when it is zero.
func NewDestination(ip string, rtpPort, rtcpPort, srcRTPPort, srcRTCPPort int) (Destination, error) {
	for _, p := range []int{rtpPort, rtcpPort, srcRTPPort, srcRTCPPort} {
		if err := ValidatePort(p); err != nil {
			return Destination{}, err
		}
	}
	if rtpPort == 0 {
		return Destination{}, fmt.Errorf("%w: destination RTP port is zero", ErrInvalidPort)
	}
	parsed, err := parseIP(ip)
	if err != nil {
		return Destination{}, err
	}
	if parsed == nil {
		return Destination{}, fmt.Errorf("%w: empty destination", ErrInvalidAddress)
	}
	if rtcpPort == 0 {
		rtcpPort = rtpPort + 1
	}
	return Destination{
		IP:          ip,
		RTPPort:     rtpPort,
		RTCPPort:    rtcpPort,
		SrcRTPPort:  srcRTPPort,
		SrcRTCPPort: srcRTCPPort,
		ip:          parsed,
	}, nil
}

// RTPAddr returns the RTP socket address.
func (d Destination) RTPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: d.ip, Port: d.RTPPort}
}

// RTCPAddr returns the RTCP socket address.
func (d Destination) RTCPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: d.ip, Port: d.RTCPPort}
}

// IsZero reports whether no destination is set.
func (d Destination) IsZero() bool {
	return d.ip == nil
}

// String returns the RTP address.
func (d Destination) String() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.RTPPort))
}

// SourceFilter restricts which peers a channel accepts packets from.
// Zero ports and an empty IP match anything.
type SourceFilter struct {
	RTPPort  int
	RTCPPort int
	IP       string

	ip net.IP
}

// NewSourceFilter validates the filter fields.
func NewSourceFilter(rtpPort, rtcpPort int, ip string) (SourceFilter, error) {
	if err := ValidatePort(rtpPort); err != nil {
		return SourceFilter{}, err
	}
	if err := ValidatePort(rtcpPort); err != nil {
		return SourceFilter{}, err
	}
	parsed, err := parseIP(ip)
	if err != nil {
		return SourceFilter{}, err
	}
	return SourceFilter{RTPPort: rtpPort, RTCPPort: rtcpPort, IP: ip, ip: parsed}, nil
}

// Allows reports whether a packet from addr passes the filter.
func (f SourceFilter) Allows(addr *net.UDPAddr, rtcp bool) bool {
	if addr == nil {
		return f.ip == nil && f.RTPPort == 0 && f.RTCPPort == 0
	}
	if f.ip != nil && !f.ip.Equal(addr.IP) {
		return false
	}
	port := f.RTPPort
	if rtcp {
		port = f.RTCPPort
	}
	return port == 0 || port == addr.Port
}

// IsZero reports whether the filter accepts everything.
func (f SourceFilter) IsZero() bool {
	return f.ip == nil && f.RTPPort == 0 && f.RTCPPort == 0
}

// SourceInfo is the remote address learned from received packets.
type SourceInfo struct {
	IP       string
	RTPPort  int
	RTCPPort int
}
