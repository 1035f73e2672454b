package transport

import (
	"context"
	"errors"
	"fmt"

	"resilience/internal/domain"
)

var (
	ErrAborted = errors.New("group aborted")

	ErrRankLost = errors.New("rank lost during collective")

	ErrClosed = errors.New("endpoint closed")

	ErrUnknownRank = errors.New("unknown rank")
)

type Op int

const (
	OpAnd Op = iota
	OpMin
	OpMaxLoc
)

func (o Op) String() string {
	switch o {
	case OpAnd:
		return "and"
	case OpMin:
		return "min"
	case OpMaxLoc:
		return "maxloc"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Value is a single contribution to a reduction. OpAnd reads Flag, OpMin
// reads Num and OpMaxLoc reads Num and Rank.
type Value struct {
	Flag bool   `json:"flag,omitempty"`
	Num  uint64 `json:"num,omitempty"`
	Rank int    `json:"rank"`
}

// Combine folds b into a. MAXLOC ties are broken towards the highest rank so
// every participant picks the same location.
func Combine(op Op, a, b Value) Value {
	switch op {
	case OpAnd:
		return Value{Flag: a.Flag && b.Flag}
	case OpMin:
		if b.Num < a.Num {
			return Value{Num: b.Num, Rank: b.Rank}
		}
		return a
	case OpMaxLoc:
		if b.Num > a.Num || (b.Num == a.Num && b.Rank > a.Rank) {
			return b
		}
		return a
	default:
		return a
	}
}

type Membership struct {
	Rank       int               `json:"rank"`
	Size       int               `json:"size"`
	Generation uint64            `json:"generation"`
	State      domain.StartState `json:"state"`
	Replaced   []int             `json:"replaced,omitempty"`
}

func (m Membership) Identity() domain.Identity {
	return domain.Identity{
		Rank:       m.Rank,
		Size:       m.Size,
		Generation: m.Generation,
		State:      m.State,
	}
}

type FaultNotice struct {
	Generation uint64 `json:"generation"`
	Origin     int    `json:"origin"`
	Reason     string `json:"reason"`
	Detected   bool   `json:"detected,omitempty"`
	Abort      bool   `json:"abort,omitempty"`
	Code       int    `json:"code,omitempty"`
}

type Message struct {
	Src     int    `json:"src"`
	Payload []byte `json:"payload"`
}

// Endpoint is one process's view of the group transport. Collectives and
// Recv block until every live member participates or the context ends.
type Endpoint interface {
	Membership(ctx context.Context) (Membership, error)

	AllReduce(ctx context.Context, key string, op Op, v Value) (Value, error)

	Send(ctx context.Context, dest int, tag string, payload []byte) error
	Recv(ctx context.Context, src int, tag string) ([]byte, error)
	Drain(tag string) []Message

	RaiseFault(ctx context.Context, generation uint64, reason string) error
	Faults() <-chan FaultNotice

	Abort(ctx context.Context, code int, reason string) error
	Close() error
}

func CollectiveKey(epoch uint64, name string) string {
	return fmt.Sprintf("%d/%s", epoch, name)
}
