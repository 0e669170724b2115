package hl7v2

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// MLLP framing bytes. Some partners deliver legacy messages wrapped in
// the lower-layer protocol envelope even over HTTP.
const (
	mllpStartBlock = 0x0B // VT
	mllpEndBlock   = 0x1C // FS
	mllpCarriage   = 0x0D // CR
)

// UnwrapFrame strips an MLLP envelope from raw if one is present and
// returns the inner message. Unframed input is returned unchanged, so
// callers can pass any inbound payload through it.
func UnwrapFrame(raw []byte) []byte {
	if len(raw) == 0 || raw[0] != mllpStartBlock {
		return raw
	}
	inner := raw[1:]
	if i := bytes.IndexByte(inner, mllpEndBlock); i >= 0 {
		inner = inner[:i]
	}
	return inner
}

// WrapFrame wraps a message in an MLLP envelope.
func WrapFrame(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+3)
	out = append(out, mllpStartBlock)
	out = append(out, msg...)
	out = append(out, mllpEndBlock, mllpCarriage)
	return out
}

// BuildAck constructs an ACK message acknowledging msg. ackCode is
// "AA" for accept or "AE" for error.
func BuildAck(msg *Message, ackCode string) string {
	now := time.Now().Format("20060102150405")
	var b strings.Builder
	fmt.Fprintf(&b, "MSH|^~\\&|%s|%s|%s|%s|%s||ACK|%s|P|2.5.1\r",
		msg.ReceivingApp, "", msg.SendingApp, "", now, msg.ControlID)
	fmt.Fprintf(&b, "MSA|%s|%s\r", ackCode, msg.ControlID)
	return b.String()
}
