package peer

import (
	"context"
	"fmt"
	"math/rand"
	"net"

	"github.com/thanhnp/chain-node/internal/logger"
	"github.com/thanhnp/chain-node/internal/wire"
)

// NetDialer opens transport connections.
type NetDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver turns a seed hostname into addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Connector produces handshaked outbound peers for one configured address,
// which may be a literal IP or a DNS seed.
type Connector struct {
	host     string
	port     string
	retries  int
	cfg      Config
	book     *AddressBook
	dialer   NetDialer
	resolver Resolver
	log      logger.Logger
}

// ConnectorOption customizes a Connector.
type ConnectorOption func(*Connector)

// WithDialer replaces the TCP dialer.
func WithDialer(d NetDialer) ConnectorOption {
	return func(c *Connector) { c.dialer = d }
}

// WithResolver replaces DNS resolution.
func WithResolver(r Resolver) ConnectorOption {
	return func(c *Connector) { c.resolver = r }
}

// NewConnector creates a Connector for address (host or host:port). A
// connection is attempted at most retries+1 times per Connect call.
func NewConnector(address, defaultPort string, retries int, cfg Config, book *AddressBook, log logger.Logger, opts ...ConnectorOption) *Connector {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host, port = address, defaultPort
	}
	c := &Connector{
		host:     host,
		port:     port,
		retries:  retries,
		cfg:      cfg,
		book:     book,
		dialer:   &net.Dialer{Timeout: cfg.Timeout},
		resolver: net.DefaultResolver,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Book returns the address book the connector consults.
func (c *Connector) Book() *AddressBook { return c.book }

// Connect dials and handshakes, retrying on failure. Each attempt picks a
// fresh random address so a bad seed result is not retried forever.
func (c *Connector) Connect(ctx context.Context) (*Peer, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := c.attempt(ctx)
		if err == nil {
			return p, nil
		}
		lastErr = err
		c.log.Warnf("connection attempt %d/%d failed: %v", attempt, c.retries+1, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &ConnectionError{
		Addr: net.JoinHostPort(c.host, c.port),
		Op:   "connect",
		Err:  fmt.Errorf("%w after %d attempts: %v", ErrUnreachable, c.retries+1, lastErr),
	}
}

func (c *Connector) attempt(ctx context.Context) (*Peer, error) {
	addr, err := c.pick(ctx)
	if err != nil {
		return nil, err
	}

	dctx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "dial", Err: classify(err)}
	}
	p, err := NewOutbound(ctx, conn, c.cfg, c.log)
	if err != nil {
		// a handshake cut short by shutdown says nothing about the peer
		if ctx.Err() == nil {
			c.book.Penalize(addr, PenaltyUnresponsive, "handshake")
		}
		return nil, err
	}
	c.log.Infof("connected to %s (%s, height %d)", p.Addr(), p.Client(), p.StartHeight())
	return p, nil
}

// pick resolves the configured host and chooses a random IPv4 address that
// is not banned.
func (c *Connector) pick(ctx context.Context) (string, error) {
	var candidates []string
	if ip := net.ParseIP(c.host); ip != nil {
		candidates = []string{c.host}
	} else {
		addrs, err := c.resolver.LookupHost(ctx, c.host)
		if err != nil {
			return "", &ConnectionError{Addr: c.host, Op: "resolve", Err: err}
		}
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
				candidates = append(candidates, a)
			}
		}
	}

	usable := candidates[:0:0]
	for _, a := range candidates {
		if !c.book.IsBanned(a) {
			usable = append(usable, a)
		}
	}
	if len(usable) == 0 {
		return "", &ConnectionError{Addr: c.host, Op: "resolve", Err: fmt.Errorf("%w: no usable IPv4 address", ErrUnreachable)}
	}
	return net.JoinHostPort(usable[rand.Intn(len(usable))], c.port), nil
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Conn is the part of a Peer the sync phases talk to.
type Conn interface {
	Addr() string
	Send(msg wire.Message) error
	Receive(ctx context.Context) (wire.Message, error)
	Close()
}

// Dialer hands out connected peers and takes misbehavior reports.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	Penalize(addr string, score int, reason string) bool
}

// Dial is Connect behind the Conn interface.
func (c *Connector) Dial(ctx context.Context) (Conn, error) {
	p, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Penalize records misbehavior against addr in the connector's book.
func (c *Connector) Penalize(addr string, score int, reason string) bool {
	banned := c.book.Penalize(addr, score, reason)
	if banned {
		c.log.Warnf("banning %s (%s)", hostOf(addr), reason)
	}
	return banned
}
