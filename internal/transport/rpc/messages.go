package rpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"resilience/internal/domain"
	"resilience/internal/transport"
)

// wireMessage is a request or response body. Bodies are protobuf encoded
// and travel as the value of a BytesValue; field numbers are listed on each
// type and must not be reused.
type wireMessage interface {
	appendWire(b []byte) []byte
	readWire(f field) error
}

// JoinRequest: rank=1 replace=2
type JoinRequest struct {
	Rank    int
	Replace bool
}

func (m *JoinRequest) appendWire(b []byte) []byte {
	b = appendInt(b, 1, m.Rank)
	return appendBool(b, 2, m.Replace)
}

func (m *JoinRequest) readWire(f field) error {
	switch f.num {
	case 1:
		m.Rank = f.int()
	case 2:
		m.Replace = f.bool()
	}
	return nil
}

// JoinResponse: session=1 rank=2
type JoinResponse struct {
	Session string
	Rank    int
}

func (m *JoinResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Session)
	return appendInt(b, 2, m.Rank)
}

func (m *JoinResponse) readWire(f field) error {
	switch f.num {
	case 1:
		m.Session = string(f.bytes)
	case 2:
		m.Rank = f.int()
	}
	return nil
}

// SessionRequest: session=1
type SessionRequest struct {
	Session string
}

func (m *SessionRequest) appendWire(b []byte) []byte {
	return appendString(b, 1, m.Session)
}

func (m *SessionRequest) readWire(f field) error {
	if f.num == 1 {
		m.Session = string(f.bytes)
	}
	return nil
}

// AllReduceRequest: session=1 key=2 op=3 value=4
type AllReduceRequest struct {
	Session string
	Key     string
	Op      transport.Op
	Value   transport.Value
}

func (m *AllReduceRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Session)
	b = appendString(b, 2, m.Key)
	b = appendVarint(b, 3, uint64(m.Op))
	return appendMessage(b, 4, (*valueMessage)(&m.Value))
}

func (m *AllReduceRequest) readWire(f field) error {
	switch f.num {
	case 1:
		m.Session = string(f.bytes)
	case 2:
		m.Key = string(f.bytes)
	case 3:
		m.Op = transport.Op(f.varint)
	case 4:
		return decodeWire(f.bytes, (*valueMessage)(&m.Value))
	}
	return nil
}

// SendRequest: session=1 dest=2 tag=3 payload=4
type SendRequest struct {
	Session string
	Dest    int
	Tag     string
	Payload []byte
}

func (m *SendRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Session)
	b = appendInt(b, 2, m.Dest)
	b = appendString(b, 3, m.Tag)
	return appendBytes(b, 4, m.Payload)
}

func (m *SendRequest) readWire(f field) error {
	switch f.num {
	case 1:
		m.Session = string(f.bytes)
	case 2:
		m.Dest = f.int()
	case 3:
		m.Tag = string(f.bytes)
	case 4:
		m.Payload = f.bytes
	}
	return nil
}

// RecvRequest: session=1 src=2 tag=3
type RecvRequest struct {
	Session string
	Src     int
	Tag     string
}

func (m *RecvRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Session)
	b = appendInt(b, 2, m.Src)
	return appendString(b, 3, m.Tag)
}

func (m *RecvRequest) readWire(f field) error {
	switch f.num {
	case 1:
		m.Session = string(f.bytes)
	case 2:
		m.Src = f.int()
	case 3:
		m.Tag = string(f.bytes)
	}
	return nil
}

// RecvResponse: payload=1
type RecvResponse struct {
	Payload []byte
}

func (m *RecvResponse) appendWire(b []byte) []byte {
	return appendBytes(b, 1, m.Payload)
}

func (m *RecvResponse) readWire(f field) error {
	if f.num == 1 {
		m.Payload = f.bytes
	}
	return nil
}

// DrainRequest: session=1 tag=2
type DrainRequest struct {
	Session string
	Tag     string
}

func (m *DrainRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Session)
	return appendString(b, 2, m.Tag)
}

func (m *DrainRequest) readWire(f field) error {
	switch f.num {
	case 1:
		m.Session = string(f.bytes)
	case 2:
		m.Tag = string(f.bytes)
	}
	return nil
}

// DrainResponse: repeated messages=1
type DrainResponse struct {
	Messages []transport.Message
}

func (m *DrainResponse) appendWire(b []byte) []byte {
	for i := range m.Messages {
		b = appendMessage(b, 1, (*mailMessage)(&m.Messages[i]))
	}
	return b
}

func (m *DrainResponse) readWire(f field) error {
	if f.num != 1 {
		return nil
	}
	var msg transport.Message
	if err := decodeWire(f.bytes, (*mailMessage)(&msg)); err != nil {
		return err
	}
	m.Messages = append(m.Messages, msg)
	return nil
}

// RaiseFaultRequest: session=1 generation=2 reason=3
type RaiseFaultRequest struct {
	Session    string
	Generation uint64
	Reason     string
}

func (m *RaiseFaultRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Session)
	b = appendVarint(b, 2, m.Generation)
	return appendString(b, 3, m.Reason)
}

func (m *RaiseFaultRequest) readWire(f field) error {
	switch f.num {
	case 1:
		m.Session = string(f.bytes)
	case 2:
		m.Generation = f.varint
	case 3:
		m.Reason = string(f.bytes)
	}
	return nil
}

// AbortRequest: session=1 code=2 reason=3
type AbortRequest struct {
	Session string
	Code    int
	Reason  string
}

func (m *AbortRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Session)
	b = appendInt(b, 2, m.Code)
	return appendString(b, 3, m.Reason)
}

func (m *AbortRequest) readWire(f field) error {
	switch f.num {
	case 1:
		m.Session = string(f.bytes)
	case 2:
		m.Code = f.int()
	case 3:
		m.Reason = string(f.bytes)
	}
	return nil
}

type Empty struct{}

func (*Empty) appendWire(b []byte) []byte { return b }

func (*Empty) readWire(field) error { return nil }

// valueMessage: flag=1 num=2 rank=3
type valueMessage transport.Value

func (m *valueMessage) appendWire(b []byte) []byte {
	b = appendBool(b, 1, m.Flag)
	b = appendVarint(b, 2, m.Num)
	return appendInt(b, 3, m.Rank)
}

func (m *valueMessage) readWire(f field) error {
	switch f.num {
	case 1:
		m.Flag = f.bool()
	case 2:
		m.Num = f.varint
	case 3:
		m.Rank = f.int()
	}
	return nil
}

// membershipMessage: rank=1 size=2 generation=3 state=4 repeated replaced=5
type membershipMessage transport.Membership

func (m *membershipMessage) appendWire(b []byte) []byte {
	b = appendInt(b, 1, m.Rank)
	b = appendInt(b, 2, m.Size)
	b = appendVarint(b, 3, m.Generation)
	b = appendInt(b, 4, int(m.State))
	for _, r := range m.Replaced {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r)))
	}
	return b
}

func (m *membershipMessage) readWire(f field) error {
	switch f.num {
	case 1:
		m.Rank = f.int()
	case 2:
		m.Size = f.int()
	case 3:
		m.Generation = f.varint
	case 4:
		m.State = domain.StartState(f.int())
	case 5:
		m.Replaced = append(m.Replaced, f.int())
	}
	return nil
}

// noticeMessage: generation=1 origin=2 reason=3 detected=4 abort=5 code=6
type noticeMessage transport.FaultNotice

func (m *noticeMessage) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, m.Generation)
	b = appendInt(b, 2, m.Origin)
	b = appendString(b, 3, m.Reason)
	b = appendBool(b, 4, m.Detected)
	b = appendBool(b, 5, m.Abort)
	return appendInt(b, 6, m.Code)
}

func (m *noticeMessage) readWire(f field) error {
	switch f.num {
	case 1:
		m.Generation = f.varint
	case 2:
		m.Origin = f.int()
	case 3:
		m.Reason = string(f.bytes)
	case 4:
		m.Detected = f.bool()
	case 5:
		m.Abort = f.bool()
	case 6:
		m.Code = f.int()
	}
	return nil
}

// mailMessage: src=1 payload=2
type mailMessage transport.Message

func (m *mailMessage) appendWire(b []byte) []byte {
	b = appendInt(b, 1, m.Src)
	return appendBytes(b, 2, m.Payload)
}

func (m *mailMessage) readWire(f field) error {
	switch f.num {
	case 1:
		m.Src = f.int()
	case 2:
		m.Payload = f.bytes
	}
	return nil
}

// field is one decoded varint or length-delimited field. Other wire types
// are skipped.
type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

// int reads a sint64 field; ranks may be negative.
func (f field) int() int { return int(protowire.DecodeZigZag(f.varint)) }

func (f field) bool() bool { return protowire.DecodeBool(f.varint) }

func decodeWire(b []byte, m wireMessage) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := m.readWire(f); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, m wireMessage) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendWire(nil))
}

func pack(m wireMessage) *wrapperspb.BytesValue {
	return wrapperspb.Bytes(m.appendWire(nil))
}

func unpack(in *wrapperspb.BytesValue, m wireMessage) error {
	if in == nil {
		return fmt.Errorf("decode %T: empty message", m)
	}
	if err := decodeWire(in.GetValue(), m); err != nil {
		return fmt.Errorf("decode %T: %w", m, err)
	}
	return nil
}
