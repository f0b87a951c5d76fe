/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"encoding/binary"
	"math"
	"math/big"

	"github.com/execnetgo/execnet/gwerr"
)

// Deserializer is a stack machine mirroring Serializer: it reads one opcode
// byte at a time, dispatches to the matching loader, and pushes the result.
// SETITEM assigns into the container two below the top of the stack; STOP
// terminates and returns the single remaining stack value.
type Deserializer struct {
	t       Transport
	factory *ChannelFactory // may be nil: CHANNEL opcode then fails
	stack   []Value

	// Py2StrAsPy3Str and Py3StrAsPy2Str fix the two cross-language string
	// coercions for the lifetime of this Deserializer, per spec.md §4.3.
	Py2StrAsPy3Str bool
	Py3StrAsPy2Str bool
}

func NewDeserializer(t Transport, factory *ChannelFactory) *Deserializer {
	return &Deserializer{t: t, factory: factory, Py2StrAsPy3Str: true}
}

type stopSignal struct{}

func (stopSignal) Error() string { return "stop" }

// Load reads and decodes exactly one frame. It returns the TransportEOF from
// the underlying stream unchanged (the caller treats that as ordinary
// connection EOF) and an *gwerr.UnserializationError for anything else that
// makes the stream unreadable.
func (d *Deserializer) Load() (Value, error) {
	d.stack = d.stack[:0]
	for {
		opbyte, err := d.t.ReadExact(1)
		if err != nil {
			return nil, err // propagate TransportEOF as-is
		}
		op := opcode(opbyte[0])
		if err := d.dispatch(op); err != nil {
			if _, ok := err.(stopSignal); ok {
				if len(d.stack) != 1 {
					return nil, gwerr.NewUnserializationError("internal unserialization error")
				}
				return d.stack[0], nil
			}
			return nil, err
		}
	}
}

func (d *Deserializer) dispatch(op opcode) error {
	switch op {
	case opNone:
		d.push(nil)
	case opTrue:
		d.push(true)
	case opFalse:
		d.push(false)
	case opInt, opLong:
		i, err := d.readInt4()
		if err != nil {
			return err
		}
		d.push(int(i))
	case opLongInt, opLongLong:
		s, err := d.readByteString()
		if err != nil {
			return err
		}
		bi, ok := new(big.Int).SetString(string(s), 10)
		if !ok {
			return gwerr.NewUnserializationError("malformed long int %q", s)
		}
		if bi.IsInt64() {
			d.push(int(bi.Int64()))
		} else {
			d.push(bi)
		}
	case opFloat:
		b, err := d.t.ReadExact(8)
		if err != nil {
			return err
		}
		d.push(math.Float64frombits(binary.BigEndian.Uint64(b)))
	case opBytes:
		s, err := d.readByteString()
		if err != nil {
			return err
		}
		d.push(s)
	case opPy3String:
		s, err := d.readByteString()
		if err != nil {
			return err
		}
		if d.Py3StrAsPy2Str {
			d.push(s)
		} else {
			d.push(string(s))
		}
	case opPy2String:
		s, err := d.readByteString()
		if err != nil {
			return err
		}
		if d.Py2StrAsPy3Str {
			d.push(decodeLatin1(s))
		} else {
			d.push(s)
		}
	case opUnicode:
		s, err := d.readByteString()
		if err != nil {
			return err
		}
		d.push(string(s))
	case opNewList:
		n, err := d.readInt4()
		if err != nil {
			return err
		}
		items := make([]Value, n)
		d.push(&List{Items: items})
	case opNewDict:
		d.push(&Dict{})
	case opSetItem:
		if err := d.setItem(); err != nil {
			return err
		}
	case opBuildTuple:
		t, err := d.popTuple()
		if err != nil {
			return err
		}
		d.push(Tuple(t))
	case opSet:
		items, err := d.popTuple()
		if err != nil {
			return err
		}
		d.push(&Set{Items: items})
	case opFrozenSet:
		items, err := d.popTuple()
		if err != nil {
			return err
		}
		d.push(&Set{Items: items, Frozen: true})
	case opChannel:
		id, err := d.readInt4()
		if err != nil {
			return err
		}
		if d.factory == nil {
			return gwerr.NewUnserializationError("channel reference without a factory")
		}
		ch, ferr := d.factory.NewWithID(uint32(id))
		if ferr != nil {
			return gwerr.NewUnserializationError("%v", ferr)
		}
		d.push(ch)
	case opStop:
		return stopSignal{}
	default:
		return gwerr.NewUnserializationError("unknown opcode %q - wire protocol corruption?", byte(op))
	}
	return nil
}

func (d *Deserializer) push(v Value) { d.stack = append(d.stack, v) }

func (d *Deserializer) readInt4() (int32, error) {
	b, err := d.t.ReadExact(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *Deserializer) readByteString() ([]byte, error) {
	n, err := d.readInt4()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, gwerr.NewUnserializationError("negative length %d", n)
	}
	return d.t.ReadExact(int(n))
}

func (d *Deserializer) setItem() error {
	if len(d.stack) < 3 {
		return gwerr.NewUnserializationError("not enough items for setitem")
	}
	value := d.stack[len(d.stack)-1]
	key := d.stack[len(d.stack)-2]
	d.stack = d.stack[:len(d.stack)-2]
	top := d.stack[len(d.stack)-1]
	switch c := top.(type) {
	case *List:
		idx, ok := key.(int)
		if !ok || idx < 0 || idx >= len(c.Items) {
			return gwerr.NewUnserializationError("bad list index %v", key)
		}
		c.Items[idx] = value
	case *Dict:
		c.Entries = append(c.Entries, DictEntry{Key: key, Val: value})
	default:
		return gwerr.NewUnserializationError("setitem on non-container %T", top)
	}
	return nil
}

// popTuple reads the int4 length operand of BUILDTUPLE/SET/FROZENSET and
// pops that many most recently pushed items, in order.
func (d *Deserializer) popTuple() ([]Value, error) {
	n, err := d.readInt4()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if int(n) > len(d.stack) {
		return nil, gwerr.NewUnserializationError("not enough items for tuple of length %d", n)
	}
	items := make([]Value, n)
	copy(items, d.stack[len(d.stack)-int(n):])
	d.stack = d.stack[:len(d.stack)-int(n)]
	return items, nil
}

func decodeLatin1(b []byte) string {
	rs := make([]rune, len(b))
	for i, c := range b {
		rs[i] = rune(c)
	}
	return string(rs)
}
