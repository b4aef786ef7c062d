package dedup

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Fingerprinter derives a stable fingerprint from a decapsulated IP packet's
// header bytes. Duplicated copies of a packet traverse different tunnels, so
// every mutable header field (TTL, ToS/traffic class, IPv4 header checksum)
// is excluded from the hash; only fields identical across the copies feed it.
//
// Canonical key bytes, per IP version:
//
//	IPv4: version(1) src(4) dst(4) proto(1) sport(2) dport(2) ident(4) id(2)
//	IPv6: version(1) src(16) dst(16) nexthdr(1) sport(2) dport(2) ident(4)
//
// ident is the transport-layer identifier that distinguishes packets within
// a flow: TCP sequence number; UDP checksum (it covers the payload, so it is
// stable across copies); ICMPv4 id<<16|seq; ICMPv6 type/code; otherwise the
// IPv4 Identification field or the IPv6 flow label. The 16-bit UDP checksum
// repeats across distinct datagrams of one flow, so IPv4 keys also carry the
// Identification field (id), which both copies share. IPv6 headers have no
// per-packet identifier; there the UDP checksum alone separates datagrams.
// The key is mixed with FNV-1a 64. Payload bytes are never read.
//
// A Fingerprinter is not safe for concurrent use; the engine owns one.
type Fingerprinter struct {
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	parser4 *gopacket.DecodingLayerParser
	parser6 *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	key     [44]byte
}

func NewFingerprinter() *Fingerprinter {
	f := &Fingerprinter{}
	f.parser4 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &f.ip4, &f.tcp, &f.udp, &f.icmp4)
	f.parser4.IgnoreUnsupported = true
	f.parser6 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &f.ip6, &f.tcp, &f.udp, &f.icmp6)
	f.parser6.IgnoreUnsupported = true
	return f
}

// Fingerprint returns the packet's fingerprint and whether the packet parsed
// as IP at all. Unparseable packets are not fingerprintable; the engine
// forwards them untouched.
func (f *Fingerprinter) Fingerprint(pkt []byte) (uint64, bool) {
	if len(pkt) == 0 {
		return 0, false
	}
	switch pkt[0] >> 4 {
	case 4:
		return f.fingerprint4(pkt)
	case 6:
		return f.fingerprint6(pkt)
	}
	return 0, false
}

func (f *Fingerprinter) fingerprint4(pkt []byte) (uint64, bool) {
	if err := f.parser4.DecodeLayers(pkt, &f.decoded); err != nil && len(f.decoded) == 0 {
		return 0, false
	}
	sawIP := false
	for _, lt := range f.decoded {
		if lt == layers.LayerTypeIPv4 {
			sawIP = true
		}
	}
	if !sawIP {
		return 0, false
	}

	k := f.key[:0]
	k = append(k, 4)
	k = append(k, f.ip4.SrcIP.To4()...)
	k = append(k, f.ip4.DstIP.To4()...)
	k = append(k, byte(f.ip4.Protocol))

	sport, dport, ident := f.transportIdent()
	if ident == 0 {
		ident = uint32(f.ip4.Id)
	}
	k = binary.BigEndian.AppendUint16(k, sport)
	k = binary.BigEndian.AppendUint16(k, dport)
	k = binary.BigEndian.AppendUint32(k, ident)
	k = binary.BigEndian.AppendUint16(k, f.ip4.Id)
	return mix(k), true
}

func (f *Fingerprinter) fingerprint6(pkt []byte) (uint64, bool) {
	if err := f.parser6.DecodeLayers(pkt, &f.decoded); err != nil && len(f.decoded) == 0 {
		return 0, false
	}
	sawIP := false
	for _, lt := range f.decoded {
		if lt == layers.LayerTypeIPv6 {
			sawIP = true
		}
	}
	if !sawIP {
		return 0, false
	}

	k := f.key[:0]
	k = append(k, 6)
	k = append(k, f.ip6.SrcIP.To16()...)
	k = append(k, f.ip6.DstIP.To16()...)
	k = append(k, byte(f.ip6.NextHeader))

	sport, dport, ident := f.transportIdent()
	if ident == 0 {
		ident = f.ip6.FlowLabel
	}
	k = binary.BigEndian.AppendUint16(k, sport)
	k = binary.BigEndian.AppendUint16(k, dport)
	k = binary.BigEndian.AppendUint32(k, ident)
	return mix(k), true
}

// transportIdent extracts ports plus the per-packet identifier from whatever
// transport layer decoded, based on the last decode pass.
func (f *Fingerprinter) transportIdent() (sport, dport uint16, ident uint32) {
	for _, lt := range f.decoded {
		switch lt {
		case layers.LayerTypeTCP:
			return uint16(f.tcp.SrcPort), uint16(f.tcp.DstPort), f.tcp.Seq
		case layers.LayerTypeUDP:
			return uint16(f.udp.SrcPort), uint16(f.udp.DstPort), uint32(f.udp.Checksum)
		case layers.LayerTypeICMPv4:
			return 0, 0, uint32(f.icmp4.Id)<<16 | uint32(f.icmp4.Seq)
		case layers.LayerTypeICMPv6:
			return 0, 0, uint32(f.icmp6.TypeCode)
		}
	}
	return 0, 0, 0
}

func mix(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}
