// Package link models a connection's identity and dialect (§4.8).
package link

import "github.com/google/uuid"

// Dialect identifies which of the four accepting sockets a connection
// belongs to. Each dialect owns a disjoint opcode space but shares the
// same wire framing (§4.1).
type Dialect uint8

const (
	DialectClient Dialect = iota
	DialectAdmin
	DialectAgent
	DialectMonitorGet
)

func (d Dialect) String() string {
	switch d {
	case DialectClient:
		return "client"
	case DialectAdmin:
		return "admin"
	case DialectAgent:
		return "agent"
	case DialectMonitorGet:
		return "monitor-get"
	default:
		return "unknown"
	}
}

// ID opaquely identifies one connection (LinkId in §4.8). It is
// unique for the lifetime of the process.
type ID string

// NewID allocates a fresh link identifier.
func NewID() ID {
	return ID(uuid.New().String())
}

// Link is the per-connection identity and peer-identification record.
// Peer credential resolution (SO_PEERCRED) is an external collaborator's
// responsibility per §6 Non-goals: Link accepts an
// already-resolved (Client, User) pair rather than reading it from the
// socket itself.
type Link struct {
	ID      ID
	Dialect Dialect
	Client  string
	User    string
}

// New builds a Link with a freshly allocated ID.
func New(dialect Dialect, client, user string) Link {
	return Link{ID: NewID(), Dialect: dialect, Client: client, User: user}
}
