// Package transport defines the Transport trait: a factory for a
// ConnectedTransport (a send/recv pair) to one address. The core treats
// transports as an external collaborator — wire framing, codecs, and TLS
// handshake mechanics live below this interface, not in this package.
package transport

import (
	"context"
	"time"

	"grpccore/attributes"
)

// ConnectivityState mirrors spec.md §3: Idle, Connecting, Ready,
// TransientFailure (ordered, non-terminal) plus the absorbing Shutdown.
type ConnectivityState int

const (
	Idle ConnectivityState = iota
	Connecting
	Ready
	TransientFailure
	Shutdown
)

// String renders the state for logs and metric labels.
func (s ConnectivityState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Options carries transport-level knobs. They are HTTP/2-oriented but the
// core never interprets them beyond pass-through to the concrete
// Transport implementation, per spec.md §4.8.
type Options struct {
	ConnectTimeout        time.Duration
	KeepAliveTime         time.Duration
	KeepAliveTimeout      time.Duration
	PermitWithoutStream   bool
	InitialWindowSize     int32
	InitialConnWindowSize int32
	TCPNoDelay            bool
}

// MessageSequence is a lazy stream of wire-ready message bytes paired with
// a terminal error. Both directions of a call (request and response) are
// represented this way so streaming and unary calls share one shape.
type MessageSequence interface {
	// Next returns the next message, or (nil, io.EOF) once the sequence
	// is exhausted, or (nil, err) on failure.
	Next(ctx context.Context) ([]byte, error)
}

// Call is the request/response vehicle returned by Service.NewCall: given
// a method name and outgoing metadata, it exposes a lazy request sequence
// to fill and a lazy response sequence to drain.
type Call interface {
	// Send pushes the next outgoing message; io.EOF-equivalent is
	// signalled via CloseSend.
	Send(ctx context.Context, msg []byte) error

	// CloseSend signals no more outgoing messages will be sent.
	CloseSend() error

	// Recv returns the next incoming message, or a terminal error
	// (including a *status.Status carrying grpc-status/grpc-message)
	// once the peer's stream of responses ends.
	Recv(ctx context.Context) ([]byte, error)

	// Header blocks until response headers arrive, or returns early on
	// ctx cancellation.
	Header(ctx context.Context) (map[string][]string, error)
}

// Service is a connection's request/response vehicle: given a method,
// outgoing metadata and options, it opens a new Call.
type Service interface {
	NewCall(ctx context.Context, method string, outgoingMetadata map[string][]string) (Call, error)
}

// ConnectedTransport is the result of a successful Transport.Connect: a
// Service to issue calls on, plus a listener that completes when the
// transport terminates.
type ConnectedTransport struct {
	Service Service

	// Disconnected completes when the transport terminates, carrying the
	// terminal status (nil for a clean shutdown requested locally).
	Disconnected <-chan error

	// Close tears down the underlying connection immediately. Called by
	// Subchannel.Shutdown(); implementations must make Disconnected fire
	// (or be safely ignorable) after Close returns.
	Close func()
}

// Transport is a factory for ConnectedTransports to one Address.
// Implementations own the mechanics of connecting, sending, and
// receiving; the core only calls Connect and reacts to the
// ConnectedTransport it returns.
type Transport interface {
	// Connect dials addr and blocks until either the connection is
	// ready (including a successful settings exchange with the peer,
	// not merely TCP connect, per spec.md §4.3) or ctx is done.
	Connect(ctx context.Context, addr attributes.Address, opts Options) (*ConnectedTransport, error)
}
