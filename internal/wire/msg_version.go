package wire

import (
	"net"
)

// NetAddress is the address record embedded in a version message.
type NetAddress struct {
	Services uint64
	IP       [16]byte
	Port     uint16
}

// NewNetAddress builds a NetAddress from a TCP address, mapping IPv4 into
// the IPv6 space the way the protocol expects.
func NewNetAddress(addr *net.TCPAddr, services uint64) NetAddress {
	na := NetAddress{Services: services}
	if addr == nil {
		return na
	}
	if ip := addr.IP.To16(); ip != nil {
		copy(na.IP[:], ip)
	}
	na.Port = uint16(addr.Port)
	return na
}

// TCPAddr converts the record back to a dialable address.
func (na NetAddress) TCPAddr() *net.TCPAddr {
	ip := make(net.IP, 16)
	copy(ip, na.IP[:])
	return &net.TCPAddr{IP: ip, Port: int(na.Port)}
}

func (na NetAddress) append(b []byte) []byte {
	b = appendUint64(b, na.Services)
	b = append(b, na.IP[:]...)
	return appendUint16BE(b, na.Port)
}

func (na *NetAddress) decode(r *payloadReader) error {
	var err error
	if na.Services, err = r.uint64(); err != nil {
		return err
	}
	ip, err := r.next(16)
	if err != nil {
		return err
	}
	copy(na.IP[:], ip)
	na.Port, err = r.uint16BE()
	return err
}

// MsgVersion opens the handshake.
type MsgVersion struct {
	ProtocolVersion int32
	Services        uint64
	Timestamp       int64
	AddrRecv        NetAddress
	AddrFrom        NetAddress
	Nonce           uint64
	UserAgent       string
	StartHeight     int32
	Relay           bool
}

func (m *MsgVersion) Command() string { return CmdVersion }

func (m *MsgVersion) appendPayload(b []byte) []byte {
	b = appendUint32(b, uint32(m.ProtocolVersion))
	b = appendUint64(b, m.Services)
	b = appendUint64(b, uint64(m.Timestamp))
	b = m.AddrRecv.append(b)
	b = m.AddrFrom.append(b)
	b = appendUint64(b, m.Nonce)
	b = appendVarString(b, m.UserAgent)
	b = appendUint32(b, uint32(m.StartHeight))
	return appendBool(b, m.Relay)
}

func (m *MsgVersion) decodePayload(r *payloadReader) error {
	var err error
	if m.ProtocolVersion, err = r.int32(); err != nil {
		return err
	}
	if m.Services, err = r.uint64(); err != nil {
		return err
	}
	if m.Timestamp, err = r.int64(); err != nil {
		return err
	}
	if err = m.AddrRecv.decode(r); err != nil {
		return err
	}
	if err = m.AddrFrom.decode(r); err != nil {
		return err
	}
	if m.Nonce, err = r.uint64(); err != nil {
		return err
	}
	if m.UserAgent, err = r.varString(maxUserAgentLen); err != nil {
		return err
	}
	if m.StartHeight, err = r.int32(); err != nil {
		return err
	}
	// relay is optional for peers older than BIP-37
	if r.remaining() > 0 {
		if m.Relay, err = r.bool(); err != nil {
			return err
		}
	}
	// later protocol revisions may append fields we do not use
	r.off = len(r.buf)
	return nil
}

// MsgVerAck acknowledges a version message.
type MsgVerAck struct{}

func (m *MsgVerAck) Command() string                      { return CmdVerAck }
func (m *MsgVerAck) appendPayload(b []byte) []byte        { return b }
func (m *MsgVerAck) decodePayload(r *payloadReader) error { return nil }
