package listener

import (
	"log/slog"
	"net"

	"github.com/policyd/policyd/internal/domain/cache"
	"github.com/policyd/policyd/internal/domain/link"
	"github.com/policyd/policyd/pkg/wire"
)

// maxBufferedRequest bounds the growable read buffer before a connection is
// dropped as abusive, mirroring the codec's own MaxStringLen/MaxVectorLen
// ceilings: a well-behaved peer never approaches this.
const maxBufferedRequest = 1 << 20

// Conn is one accepted connection: its identity, its dialect-qualified
// wire codec, and the write queue its peer writer goroutine drains.
// Client-dialect connections additionally own a decision Cache (§4.4: the
// cache is per-connection, not shared across clients).
type Conn struct {
	Link    link.Link
	Dialect wire.Dialect
	Cache   *cache.Cache

	raw   net.Conn
	queue *writeQueue
}

// Send enqueues data for delivery to the peer without blocking the caller
// (normally the single dispatcher goroutine).
func (c *Conn) Send(data []byte) {
	c.queue.push(data)
}

// Close tears down the connection and its writer goroutine.
func (c *Conn) Close() {
	c.queue.close()
	_ = c.raw.Close()
}

// Job is one decoded request submitted to the dispatcher, tagged with the
// connection it arrived on.
type Job struct {
	Conn    *Conn
	Request *wire.Request
}

// Handler is what a Listener submits decoded Jobs to, and what it notifies
// of connection loss. Implemented by service.Dispatcher; kept as an
// interface here so this package never imports the service package.
type Handler interface {
	Submit(job Job)
	Disconnected(c *Conn)
}

// CredentialResolver resolves a connection's (client, user) identity from
// the accepted net.Conn. Real SO_PEERCRED resolution is an external
// collaborator per §6 Non-goals; the default resolver returns two
// empty strings, appropriate for dialects where the wire payload itself
// carries the subject tuple (client/admin) rather than relying on
// connection identity.
type CredentialResolver func(net.Conn) (client, user string)

func noopCredentials(net.Conn) (string, string) { return "", "" }

func serveConn(raw net.Conn, dialect wire.Dialect, linkDialect link.Dialect, resolve CredentialResolver, h Handler, logger *slog.Logger, cacheCapacity int) {
	client, user := resolve(raw)
	c := &Conn{
		Link:    link.New(linkDialect, client, user),
		Dialect: dialect,
		raw:     raw,
		queue:   newWriteQueue(),
	}
	if linkDialect == link.DialectClient {
		c.Cache = cache.New(cacheCapacity)
	}

	done := make(chan struct{})
	go writerLoop(c, logger, done)
	readerLoop(c, dialect, h, logger)
	c.Close()
	<-done
	h.Disconnected(c)
}

func readerLoop(c *Conn, dialect wire.Dialect, h Handler, logger *slog.Logger) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := c.raw.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				req, consumed, decodeErr := wire.ExtractRequest(buf, dialect)
				if decodeErr != nil {
					logger.Warn("malformed frame, closing connection",
						slog.String("link", string(c.Link.ID)), slog.Any("error", decodeErr))
					return
				}
				if req == nil {
					break
				}
				buf = buf[consumed:]
				h.Submit(Job{Conn: c, Request: req})
			}
			if len(buf) > maxBufferedRequest {
				logger.Warn("incomplete frame exceeds buffer ceiling, closing connection",
					slog.String("link", string(c.Link.ID)))
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func writerLoop(c *Conn, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		items, ok := c.queue.pop()
		if !ok {
			return
		}
		for _, data := range items {
			if _, err := c.raw.Write(data); err != nil {
				logger.Debug("write failed, closing connection",
					slog.String("link", string(c.Link.ID)), slog.Any("error", err))
				return
			}
		}
	}
}
