/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	bt := newBufTransport()
	orig := &Message{Type: MsgChannelData, ChannelID: 7, Payload: "payload"}
	if err := orig.WriteTo(NewSerializer(bt)); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	got, err := ReadMessage(NewDeserializer(bt, nil))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Type != orig.Type || got.ChannelID != orig.ChannelID || got.Payload != orig.Payload {
		t.Fatalf("roundtrip message = %+v, want %+v", got, orig)
	}
}

func TestMessageStringTruncatesLongPayload(t *testing.T) {
	m := &Message{Type: MsgChannelData, ChannelID: 1, Payload: strings.Repeat("x", 200)}
	s := m.String()
	if !strings.Contains(s, "len=") {
		t.Fatalf("expected truncated repr with a length marker, got %q", s)
	}
}

func TestMessageStringKeepsShortPayload(t *testing.T) {
	m := &Message{Type: MsgChannelData, ChannelID: 1, Payload: "short"}
	s := m.String()
	if strings.Contains(s, "len=") {
		t.Fatalf("did not expect truncation for a short payload, got %q", s)
	}
}

func TestMsgTypeString(t *testing.T) {
	if MsgChannelExec.String() != "CHANNEL_EXEC" {
		t.Fatalf("MsgChannelExec.String() = %q", MsgChannelExec.String())
	}
	if s := MsgType(99).String(); !strings.HasPrefix(s, "MsgType(") {
		t.Fatalf("unknown MsgType.String() = %q", s)
	}
}
