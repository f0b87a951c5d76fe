/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import "math/big"

// Value is the dynamic type carried over the wire. Concrete Go values that
// satisfy it: nil, bool, int, int64, *big.Int, float64, []byte, string,
// *List, *Dict, Tuple, *Set, and *Channel.
type Value = any

// List is the mutable, ordered container backing the wire's NEWLIST opcode.
type List struct {
	Items []Value
}

// NewList builds a List from the given items, copying the slice header.
func NewList(items ...Value) *List { return &List{Items: items} }

// DictEntry is one key/value pair of a Dict, preserved in insertion order so
// that encode/decode produce a stable SETITEM sequence.
type DictEntry struct {
	Key Value
	Val Value
}

// Dict is the wire's NEWDICT container: an ordered sequence of key/value
// pairs (a Go map's random iteration order would make the encoded bytes of
// the same Dict differ from one Send to the next).
type Dict struct {
	Entries []DictEntry
}

// NewDict returns an empty Dict ready for Set calls.
func NewDict() *Dict { return &Dict{} }

// Set appends or overwrites (by Key equality) an entry, mirroring Python
// dict assignment semantics closely enough for the STATUS payload and tests.
func (d *Dict) Set(key, val Value) *Dict {
	for i := range d.Entries {
		if d.Entries[i].Key == key {
			d.Entries[i].Val = val
			return d
		}
	}
	d.Entries = append(d.Entries, DictEntry{Key: key, Val: val})
	return d
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key Value) (Value, bool) {
	for _, e := range d.Entries {
		if e.Key == key {
			return e.Val, true
		}
	}
	return nil, false
}

// Tuple is the wire's BUILDTUPLE container: a fixed-arity ordered sequence.
type Tuple []Value

// Set is the wire's SET/FROZENSET container. Frozen selects the FROZENSET
// opcode instead of SET on encode, and is set from the opcode on decode; both
// decode to the same Go type since Go has no separate mutable/immutable set
// type.
type Set struct {
	Items  []Value
	Frozen bool
}

// NewSet and NewFrozenSet build unordered-semantics containers; order is
// preserved on the wire only to make the encoding deterministic, it carries
// no meaning on decode.
func NewSet(items ...Value) *Set       { return &Set{Items: items} }
func NewFrozenSet(items ...Value) *Set { return &Set{Items: items, Frozen: true} }

// BigInt wraps *big.Int as a wire value. Like plain Go ints, a value that
// fits in a signed 32-bit INT is sent with the compact INT opcode; anything
// larger goes out as LONGINT.
type BigInt struct {
	*big.Int
}
