package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/atomic"

	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/wire"
	"github.com/thanhnp/chain-node/pkg/semver"
)

// State is the handshake progress of a connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	VersionSent
	VersionReceived
	Handshaked
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case VersionSent:
		return "version-sent"
	case VersionReceived:
		return "version-received"
	case Handshaked:
		return "handshaked"
	case Active:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config carries what we announce in our version message.
type Config struct {
	Magic            uint32
	ProtocolVersion  int32
	Services         uint64
	RequiredServices uint64
	UserAgent        string
	Timeout          time.Duration
	Relay            bool
	StartHeight      func() int32
}

// minProtocolVersion is the first version with getheaders.
const minProtocolVersion = 31800

// Peer is one handshaked connection. Send may be called from several
// goroutines; Receive must only be called from one.
type Peer struct {
	conn    net.Conn
	reader  *bufio.Reader
	cfg     Config
	addr    string
	inbound bool
	log     logger.Logger

	state   *atomic.Int32
	writeMu sync.Mutex
	once    sync.Once

	remote *wire.MsgVersion
	agent  semver.UserAgent
}

func newPeer(conn net.Conn, cfg Config, inbound bool, log logger.Logger) *Peer {
	return &Peer{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		cfg:     cfg,
		addr:    conn.RemoteAddr().String(),
		inbound: inbound,
		log:     log,
		state:   atomic.NewInt32(int32(Connecting)),
	}
}

// NewOutbound runs the handshake on a freshly dialed connection: we send
// our version first and wait for the peer's version and verack.
func NewOutbound(ctx context.Context, conn net.Conn, cfg Config, log logger.Logger) (*Peer, error) {
	p := newPeer(conn, cfg, false, log)
	if err := p.handshake(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Accept runs the handshake on an inbound connection: we wait for the
// peer's version before answering with ours.
func Accept(ctx context.Context, conn net.Conn, cfg Config, log logger.Logger) (*Peer, error) {
	p := newPeer(conn, cfg, true, log)
	if err := p.handshake(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Peer) setState(s State) { p.state.Store(int32(s)) }

// State returns the current handshake state.
func (p *Peer) State() State { return State(p.state.Load()) }

// Addr is the remote address.
func (p *Peer) Addr() string { return p.addr }

// Inbound reports whether the remote side dialed us.
func (p *Peer) Inbound() bool { return p.inbound }

// Services is the bitmask the peer advertised.
func (p *Peer) Services() uint64 { return p.remote.Services }

// ProtocolVersion is the version both sides speak.
func (p *Peer) ProtocolVersion() int32 {
	if p.remote.ProtocolVersion < p.cfg.ProtocolVersion {
		return p.remote.ProtocolVersion
	}
	return p.cfg.ProtocolVersion
}

// StartHeight is the chain height the peer announced.
func (p *Peer) StartHeight() int32 { return p.remote.StartHeight }

// UserAgent is the peer's raw user agent string.
func (p *Peer) UserAgent() string { return p.remote.UserAgent }

// Client names the peer software when its user agent parsed.
func (p *Peer) Client() string {
	if len(p.agent) == 0 {
		return p.remote.UserAgent
	}
	return p.agent.Client().String()
}

func (p *Peer) connErr(op string, err error) error {
	return &ConnectionError{Addr: p.addr, Op: op, Err: err}
}

func (p *Peer) versionMsg() *wire.MsgVersion {
	var local, remote *net.TCPAddr
	local, _ = p.conn.LocalAddr().(*net.TCPAddr)
	remote, _ = p.conn.RemoteAddr().(*net.TCPAddr)
	msg := &wire.MsgVersion{
		ProtocolVersion: p.cfg.ProtocolVersion,
		Services:        p.cfg.Services,
		Timestamp:       time.Now().Unix(),
		AddrRecv:        wire.NewNetAddress(remote, p.cfg.RequiredServices),
		AddrFrom:        wire.NewNetAddress(local, p.cfg.Services),
		Nonce:           rand.Uint64(),
		UserAgent:       p.cfg.UserAgent,
		Relay:           p.cfg.Relay,
	}
	if p.cfg.StartHeight != nil {
		msg.StartHeight = p.cfg.StartHeight()
	}
	return msg
}

func (p *Peer) handshake(ctx context.Context) error {
	if p.cfg.Timeout > 0 {
		_ = p.conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
		defer p.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = p.conn.SetDeadline(time.Now()) })
	defer stop()

	if !p.inbound {
		if err := p.write(p.versionMsg()); err != nil {
			return p.handshakeErr(ctx, err)
		}
		p.setState(VersionSent)
	}

	for {
		msg, err := wire.ReadMessage(p.reader, p.cfg.Magic)
		if err != nil {
			return p.handshakeErr(ctx, err)
		}
		switch m := msg.(type) {
		case *wire.MsgVersion:
			if p.remote != nil {
				return p.connErr("handshake", fmt.Errorf("%w: duplicate version", ErrProtocolViolation))
			}
			if err := p.acceptVersion(m); err != nil {
				return err
			}
			if p.inbound {
				if err := p.write(p.versionMsg()); err != nil {
					return p.handshakeErr(ctx, err)
				}
				p.setState(VersionSent)
			}
			if err := p.write(&wire.MsgVerAck{}); err != nil {
				return p.handshakeErr(ctx, err)
			}
			p.setState(VersionReceived)

		case *wire.MsgVerAck:
			if p.remote == nil {
				return p.connErr("handshake", fmt.Errorf("%w: verack before version", ErrProtocolViolation))
			}
			p.setState(Handshaked)
			p.log.Debugf("handshake with %s complete (%s, version %d, services 0x%x)",
				p.addr, p.Client(), p.remote.ProtocolVersion, p.remote.Services)
			return nil

		default:
			return p.connErr("handshake", fmt.Errorf("%w: %s before handshake", ErrProtocolViolation, msg.Command()))
		}
	}
}

func (p *Peer) acceptVersion(m *wire.MsgVersion) error {
	if m.ProtocolVersion < minProtocolVersion {
		return p.connErr("handshake", fmt.Errorf("%w: protocol version %d too old", ErrProtocolViolation, m.ProtocolVersion))
	}
	if !p.inbound && m.Services&p.cfg.RequiredServices != p.cfg.RequiredServices {
		return p.connErr("handshake", fmt.Errorf("%w: have 0x%x, need 0x%x", ErrMissingServices, m.Services, p.cfg.RequiredServices))
	}
	p.remote = m
	if ua, err := semver.ParseUserAgent(m.UserAgent); err == nil {
		p.agent = ua
	}
	return nil
}

func (p *Peer) handshakeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return p.connErr("handshake", ctx.Err())
	}
	return p.connErr("handshake", classify(err))
}

// classify maps transport errors onto the package sentinels.
func classify(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (p *Peer) write(msg wire.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.WriteMessage(p.conn, msg, p.cfg.Magic)
}

// Send writes one message, bounded by the configured timeout.
func (p *Peer) Send(msg wire.Message) error {
	if p.State() == Disconnected {
		return p.connErr("send "+msg.Command(), ErrClosed)
	}
	p.writeMu.Lock()
	if p.cfg.Timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.Timeout))
	}
	err := wire.WriteMessage(p.conn, msg, p.cfg.Magic)
	p.writeMu.Unlock()
	if err != nil {
		p.Close()
		return p.connErr("send "+msg.Command(), classify(err))
	}
	p.state.CompareAndSwap(int32(Handshaked), int32(Active))
	return nil
}

// Receive blocks for the next message. Pings are answered and unknown
// commands skipped without surfacing. The context deadline, if any, bounds
// the wait; a transport failure or timeout closes the peer since the stream
// may be left mid-frame. A checksum mismatch is returned but leaves the
// connection usable.
func (p *Peer) Receive(ctx context.Context) (wire.Message, error) {
	if p.State() == Disconnected {
		return nil, p.connErr("receive", ErrClosed)
	}
	deadline, _ := ctx.Deadline()
	_ = p.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = p.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		msg, err := wire.ReadMessage(p.reader, p.cfg.Magic)
		switch {
		case err == nil:
		case wire.IsKind(err, wire.UnknownCommand):
			p.log.Debugf("ignoring %s from %s", msg.Command(), p.addr)
			continue
		case wire.IsKind(err, wire.ChecksumMismatch):
			return nil, err
		default:
			p.Close()
			if ctx.Err() != nil {
				return nil, p.connErr("receive", ctx.Err())
			}
			var fe *wire.FormatError
			if errors.As(err, &fe) {
				return nil, err
			}
			return nil, p.connErr("receive", classify(err))
		}

		p.state.CompareAndSwap(int32(Handshaked), int32(Active))
		if ping, ok := msg.(*wire.MsgPing); ok {
			if err := p.Send(&wire.MsgPong{Nonce: ping.Nonce}); err != nil {
				return nil, err
			}
			continue
		}
		return msg, nil
	}
}

// Close tears the connection down. It is safe to call more than once.
func (p *Peer) Close() {
	p.once.Do(func() {
		p.setState(Disconnected)
		_ = p.conn.Close()
	})
}

func (p *Peer) String() string {
	dir := "outbound"
	if p.inbound {
		dir = "inbound"
	}
	return fmt.Sprintf("%s (%s)", p.addr, dir)
}
