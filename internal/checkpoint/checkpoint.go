package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrNotFound = errors.New("checkpoint not found")

	ErrNoCheckpoint = errors.New("no checkpoint source for step")

	ErrCorrupt = errors.New("checkpoint checksum mismatch")
)

type Source int

const (
	SourceInitial Source = iota
	SourceMemory
	SourceReplica
	SourceDurable
)

func (s Source) String() string {
	switch s {
	case SourceInitial:
		return "initial"
	case SourceMemory:
		return "memory"
	case SourceReplica:
		return "replica"
	case SourceDurable:
		return "durable"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Checkpoint is an opaque application snapshot owned by one rank at one
// step. The runtime never interprets Data.
type Checkpoint struct {
	Owner    int
	Step     uint64
	Data     []byte
	Checksum uint64
}

func New(owner int, step uint64, data []byte) Checkpoint {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Checkpoint{
		Owner:    owner,
		Step:     step,
		Data:     buf,
		Checksum: xxhash.Sum64(buf),
	}
}

func (c Checkpoint) Verify() bool {
	return xxhash.Sum64(c.Data) == c.Checksum
}

// Handle is a resolved checkpoint plus where it came from.
type Handle struct {
	Checkpoint
	Source Source
}

func (h Handle) Empty() bool {
	return h.Source == SourceInitial && len(h.Data) == 0
}

const recordTypeCheckpoint byte = 1

func encode(c Checkpoint) []byte {
	header := make([]byte, 2*binary.MaxVarintLen64+8)
	n := binary.PutUvarint(header, uint64(c.Owner))
	n += binary.PutUvarint(header[n:], c.Step)
	binary.BigEndian.PutUint64(header[n:], c.Checksum)
	n += 8

	payload := make([]byte, 0, n+len(c.Data))
	payload = append(payload, header[:n]...)
	payload = append(payload, c.Data...)
	return marshalRecord(recordTypeCheckpoint, payload)
}

func decode(data []byte) (Checkpoint, error) {
	recType, payload, err := unmarshalRecord(data)
	if err != nil {
		return Checkpoint{}, err
	}
	if recType != recordTypeCheckpoint {
		return Checkpoint{}, fmt.Errorf("unexpected record type %d", recType)
	}

	owner, n := binary.Uvarint(payload)
	if n <= 0 {
		return Checkpoint{}, io.ErrUnexpectedEOF
	}
	payload = payload[n:]
	step, n := binary.Uvarint(payload)
	if n <= 0 {
		return Checkpoint{}, io.ErrUnexpectedEOF
	}
	payload = payload[n:]
	if len(payload) < 8 {
		return Checkpoint{}, io.ErrUnexpectedEOF
	}
	sum := binary.BigEndian.Uint64(payload)
	body := make([]byte, len(payload)-8)
	copy(body, payload[8:])

	return Checkpoint{
		Owner:    int(owner),
		Step:     step,
		Data:     body,
		Checksum: sum,
	}, nil
}

func marshalRecord(recType byte, payload []byte) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = recType
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	copy(buf[1+n:], payload)
	return buf[:1+n+len(payload)]
}

func unmarshalRecord(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	recType := data[0]
	length, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	start := 1 + n
	if length > uint64(len(data)-start) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return recType, data[start : start+int(length)], nil
}
