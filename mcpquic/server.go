package mcpquic

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/webmarker/idgen"
	"github.com/hazyhaar/webmarker/kit"
)

// Listener accepts QUIC connections and runs one MCP session on each.
type Listener struct {
	ql     *quic.Listener
	server *mcp.Server
	logger *slog.Logger
	newID  idgen.Generator
}

// Option configures a Listener.
type Option func(*Listener)

// WithIDGenerator sets the session id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Listener) { l.newID = gen }
}

// NewListener binds addr (UDP). tlsCfg must advertise ALPNProtocolMCP.
func NewListener(addr string, tlsCfg *tls.Config, srv *mcp.Server, logger *slog.Logger, opts ...Option) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ql, err := quic.ListenAddr(addr, tlsCfg, QUICConfig())
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ql:     ql,
		server: srv,
		logger: logger,
		newID:  idgen.Prefixed("quic_", idgen.NanoID(8)),
	}
	for _, o := range opts {
		o(l)
	}
	logger.Info("mcpquic: listening", "addr", ql.Addr().String())
	return l, nil
}

// Addr is the bound UDP address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Serve accepts until ctx is done or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			l.logger.Error("mcpquic: accept", "error", err)
			continue
		}
		if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+alpn)
			continue
		}
		go l.serveConn(ctx, conn)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Warn("mcpquic: accept stream", "remote", remote, "error", err)
		conn.CloseWithError(ConnErrorProtocolViolation, "no stream")
		return
	}
	if err := ValidateMagicBytes(stream); err != nil {
		l.logger.Warn("mcpquic: bad preamble", "remote", remote, "error", err)
		stream.CancelRead(StreamErrorProtocolConfusion)
		stream.CancelWrite(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return
	}

	id := l.newID()
	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithClient(ctx, id)
	ctx = kit.WithRemoteAddr(ctx, remote)

	ss, err := l.server.Connect(ctx, &streamTransport{stream: stream, id: id}, nil)
	if err != nil {
		l.logger.Error("mcpquic: connect", "session", id, "error", err)
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "mcp connect failed")
		return
	}
	l.logger.Info("mcpquic: session", "session", id, "remote", remote)
	if err := ss.Wait(); err != nil {
		l.logger.Debug("mcpquic: session closed", "session", id, "error", err)
	}
	conn.CloseWithError(ConnErrorNoError, "")
}

// Close stops accepting; open sessions end with their connections.
func (l *Listener) Close() error {
	return l.ql.Close()
}

// streamTransport carries one MCP session over a QUIC stream.
type streamTransport struct {
	stream *quic.Stream
	id     string
}

func (t *streamTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := newIOTransport(t.stream).Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionConn{Connection: conn, id: t.id}, nil
}

func newIOTransport(s *quic.Stream) *mcp.IOTransport {
	return &mcp.IOTransport{Reader: io.NopCloser(s), Writer: s}
}

// sessionConn reports the listener's session id instead of the empty one
// IOTransport gives.
type sessionConn struct {
	mcp.Connection
	id string
}

func (c *sessionConn) SessionID() string { return c.id }
