/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import "fmt"

// MsgType identifies the control purpose of a frame. Values are stable on
// the wire: they are the first element of the (msgtype, channelid, payload)
// tuple every frame encodes.
type MsgType int

const (
	MsgStatus MsgType = iota
	MsgChannelExec
	MsgChannelData
	MsgChannelClose
	MsgChannelCloseError
	MsgChannelLastMessage
	MsgGatewayTerminate
)

func (t MsgType) String() string {
	switch t {
	case MsgStatus:
		return "STATUS"
	case MsgChannelExec:
		return "CHANNEL_EXEC"
	case MsgChannelData:
		return "CHANNEL_DATA"
	case MsgChannelClose:
		return "CHANNEL_CLOSE"
	case MsgChannelCloseError:
		return "CHANNEL_CLOSE_ERROR"
	case MsgChannelLastMessage:
		return "CHANNEL_LAST_MESSAGE"
	case MsgGatewayTerminate:
		return "GATEWAY_TERMINATE"
	default:
		return fmt.Sprintf("MsgType(%d)", int(t))
	}
}

// Message is one wire frame: a (msgtype, channel-id, payload) tuple.
type Message struct {
	Type      MsgType
	ChannelID uint32
	Payload   Value
}

// WriteTo encodes the message as a 3-tuple and writes it through s.
func (m *Message) WriteTo(s *Serializer) error {
	return s.Save(Tuple{int(m.Type), int(m.ChannelID), m.Payload})
}

// ReadMessage decodes one frame from d. It returns the TransportEOF or
// UnserializationError from the underlying Load() unchanged.
func ReadMessage(d *Deserializer) (*Message, error) {
	v, err := d.Load()
	if err != nil {
		return nil, err
	}
	tup, ok := v.(Tuple)
	if !ok || len(tup) != 3 {
		return nil, fmt.Errorf("malformed message envelope: %#v", v)
	}
	msgtype, ok1 := tup[0].(int)
	chid, ok2 := tup[1].(int)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("malformed message envelope: %#v", v)
	}
	return &Message{Type: MsgType(msgtype), ChannelID: uint32(chid), Payload: tup[2]}, nil
}

// String renders the frame for tracing, mirroring the reference
// implementation's Message.__repr__: a payload whose repr is longer than 50
// bytes is shown only as its length.
func (m *Message) String() string {
	repr := fmt.Sprintf("%#v", m.Payload)
	if len(repr) > 50 {
		return fmt.Sprintf("<Message.%s channelid=%d len=%d>", m.Type, m.ChannelID, len(repr))
	}
	return fmt.Sprintf("<Message.%s channelid=%d %s>", m.Type, m.ChannelID, repr)
}
