/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"encoding/binary"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"

	"github.com/execnetgo/execnet/gwerr"
)

// Serializer writes values as a stream of opcode-tagged bytes terminated by
// STOP. It always buffers a full message before writing (write-on-success):
// if encoding fails partway through, nothing reaches the Transport, so a bad
// value never corrupts the framing of a healthy connection.
type Serializer struct {
	t   Transport
	buf []byte
}

func NewSerializer(t Transport) *Serializer {
	return &Serializer{t: t}
}

// Save encodes v and writes the resulting frame to the transport in one
// atomic call. On error, no bytes are emitted.
func (s *Serializer) Save(v Value) error {
	s.buf = s.buf[:0]
	if err := s.save(v); err != nil {
		return err
	}
	s.buf = append(s.buf, byte(opStop))
	return s.t.Write(s.buf)
}

func (s *Serializer) write(b ...byte) { s.buf = append(s.buf, b...) }

func (s *Serializer) writeInt4(i int64, errmsg string) error {
	if i > FourByteIntMax || i < math.MinInt32 {
		return gwerr.NewSerializationError("%s", errmsg)
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(int32(i)))
	s.write(tmp[:]...)
	return nil
}

func (s *Serializer) writeByteSeq(b []byte) error {
	if err := s.writeInt4(int64(len(b)), "string is too long"); err != nil {
		return err
	}
	s.write(b...)
	return nil
}

func (s *Serializer) writeUnicodeString(str string) error {
	if !utf8.ValidString(str) {
		return gwerr.NewSerializationError("strings must be utf-8 encodable")
	}
	return s.writeByteSeq([]byte(str))
}

func (s *Serializer) save(v Value) error {
	switch x := v.(type) {
	case nil:
		s.write(byte(opNone))
		return nil
	case bool:
		if x {
			s.write(byte(opTrue))
		} else {
			s.write(byte(opFalse))
		}
		return nil
	case int:
		return s.saveInt(int64(x))
	case int32:
		return s.saveInt(int64(x))
	case int64:
		return s.saveInt(x)
	case *big.Int:
		return s.saveBigInt(x)
	case BigInt:
		return s.saveBigInt(x.Int)
	case float64:
		return s.saveFloat(x)
	case []byte:
		s.write(byte(opBytes))
		return s.writeByteSeq(x)
	case string:
		s.write(byte(opPy3String))
		return s.writeUnicodeString(x)
	case *List:
		return s.saveList(x)
	case *Dict:
		return s.saveDict(x)
	case Tuple:
		return s.saveTuple(x)
	case *Set:
		return s.saveSet(x)
	case *Channel:
		s.write(byte(opChannel))
		return s.writeInt4(int64(x.ID()), "channel id out of range")
	default:
		return gwerr.NewSerializationError("can't serialize %T", v)
	}
}

func (s *Serializer) saveInt(i int64) error {
	if i >= math.MinInt32 && i <= FourByteIntMax {
		s.write(byte(opInt))
		return s.writeInt4(i, "int must be less than 2147483647")
	}
	s.write(byte(opLongInt))
	return s.writeByteSeq([]byte(strconv.FormatInt(i, 10)))
}

func (s *Serializer) saveBigInt(b *big.Int) error {
	if b.IsInt64() {
		i := b.Int64()
		if i >= math.MinInt32 && i <= FourByteIntMax {
			s.write(byte(opInt))
			return s.writeInt4(i, "int must be less than 2147483647")
		}
	}
	s.write(byte(opLongInt))
	return s.writeByteSeq([]byte(b.String()))
}

func (s *Serializer) saveFloat(f float64) error {
	s.write(byte(opFloat))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	s.write(tmp[:]...)
	return nil
}

func (s *Serializer) saveList(l *List) error {
	s.write(byte(opNewList))
	if err := s.writeInt4(int64(len(l.Items)), "list is too long"); err != nil {
		return err
	}
	for i, item := range l.Items {
		if err := s.save(i); err != nil {
			return err
		}
		if err := s.save(item); err != nil {
			return err
		}
		s.write(byte(opSetItem))
	}
	return nil
}

func (s *Serializer) saveDict(d *Dict) error {
	s.write(byte(opNewDict))
	for _, e := range d.Entries {
		if err := s.save(e.Key); err != nil {
			return err
		}
		if err := s.save(e.Val); err != nil {
			return err
		}
		s.write(byte(opSetItem))
	}
	return nil
}

func (s *Serializer) saveTuple(t Tuple) error {
	for _, item := range t {
		if err := s.save(item); err != nil {
			return err
		}
	}
	s.write(byte(opBuildTuple))
	return s.writeInt4(int64(len(t)), "tuple is too long")
}

func (s *Serializer) saveSet(set *Set) error {
	for _, item := range set.Items {
		if err := s.save(item); err != nil {
			return err
		}
	}
	if set.Frozen {
		s.write(byte(opFrozenSet))
	} else {
		s.write(byte(opSet))
	}
	return s.writeInt4(int64(len(set.Items)), "set is too long")
}
