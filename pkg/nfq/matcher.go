package nfq

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Matcher decides whether a packet belongs to the traffic being disrupted.
type Matcher interface {
	Match(packetBytes []byte) bool
}

// LinkMatcher matches the TCP traffic a member sends to one peer: segments addressed
// to the peer's port (connections the member opened) and segments sent from the
// member's port (replies on connections the peer opened).
type LinkMatcher struct {
	SrcIP   net.IP
	SrcPort uint16
	DstIP   net.IP
	DstPort uint16
}

// Match parses the packet as IPv4/TCP. Packets of any other kind never match.
func (m LinkMatcher) Match(packetBytes []byte) bool {
	packet := gopacket.NewPacket(packetBytes, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return false
	}
	ip, _ := ipLayer.(*layers.IPv4)

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return false
	}
	tcp, _ := tcpLayer.(*layers.TCP)

	if !ip.SrcIP.Equal(m.SrcIP) || !ip.DstIP.Equal(m.DstIP) {
		return false
	}

	return uint16(tcp.DstPort) == m.DstPort || (m.SrcPort != 0 && uint16(tcp.SrcPort) == m.SrcPort)
}

// PortMatcher matches the TCP traffic addressed to a port on any host
type PortMatcher struct {
	DstPort uint16
}

// Match parses the packet as IPv4/TCP. Packets of any other kind never match.
func (m PortMatcher) Match(packetBytes []byte) bool {
	packet := gopacket.NewPacket(packetBytes, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return false
	}
	tcp, _ := tcpLayer.(*layers.TCP)

	return uint16(tcp.DstPort) == m.DstPort
}
