package mesh

import (
	"fmt"

	"github.com/kabili207/meshstack/pkg/meshid"
)

type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindChannelBusy
	KindNoRoute
	KindHopLimitExceeded
	KindDuplicatePacket
	KindCryptoError
	KindInvalidPacket
	KindPhyError
	KindNodeNotFound
	KindQueueFull
	KindAckTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindChannelBusy:
		return "channel is busy"
	case KindNoRoute:
		return "no route to node"
	case KindHopLimitExceeded:
		return "hop limit exceeded"
	case KindDuplicatePacket:
		return "duplicate packet detected"
	case KindCryptoError:
		return "crypto error"
	case KindInvalidPacket:
		return "invalid packet"
	case KindPhyError:
		return "PHY error"
	case KindNodeNotFound:
		return "node not found"
	case KindQueueFull:
		return "queue full"
	case KindAckTimeout:
		return "acknowledgment timeout"
	default:
		return "mesh error"
	}
}

// Error is returned by Node operations. Node is set for kinds that concern a
// particular peer. errors.Is matches on Kind, so callers can test against
// the Err* values below.
type Error struct {
	Kind   ErrorKind
	Node   meshid.NodeID
	Detail string
	Err    error
}

var (
	ErrChannelBusy      = &Error{Kind: KindChannelBusy}
	ErrNoRoute          = &Error{Kind: KindNoRoute}
	ErrHopLimitExceeded = &Error{Kind: KindHopLimitExceeded}
	ErrDuplicatePacket  = &Error{Kind: KindDuplicatePacket}
	ErrCrypto           = &Error{Kind: KindCryptoError}
	ErrInvalidPacket    = &Error{Kind: KindInvalidPacket}
	ErrPhy              = &Error{Kind: KindPhyError}
	ErrNodeNotFound     = &Error{Kind: KindNodeNotFound}
	ErrQueueFull        = &Error{Kind: KindQueueFull}
	ErrAckTimeout       = &Error{Kind: KindAckTimeout}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	switch e.Kind {
	case KindNoRoute, KindNodeNotFound, KindAckTimeout:
		if e.Node != 0 {
			msg = fmt.Sprintf("%s: %s", msg, e.Node)
		}
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
