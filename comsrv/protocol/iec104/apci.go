// Package iec104 implements the IEC 60870-5-104 client protocol: APCI
// framing, the ASDU codec, and the session driver with the t1 and t3 timers.
// The driver acknowledges received I-frames with an S-frame once k of them
// are unacknowledged; it has no t2 acknowledgement timer.
package iec104

import (
	"fmt"
)

// APDU start byte and fixed APCI length.
const (
	startByte = 0x68
	apciLen   = 6
)

// FrameKind distinguishes the three APCI formats.
type FrameKind int

const (
	IFrame FrameKind = iota // numbered information transfer
	SFrame                  // supervisory acknowledge
	UFrame                  // unnumbered control
)

// U-frame control functions (first control octet).
const (
	UStartDTAct byte = 0x07
	UStartDTCon byte = 0x0B
	UStopDTAct  byte = 0x13
	UStopDTCon  byte = 0x23
	UTestFRAct  byte = 0x43
	UTestFRCon  byte = 0x83
)

// seqModulo bounds the 15-bit send/receive sequence numbers.
const seqModulo = 32768

// APCI is one decoded control header.
type APCI struct {
	Kind     FrameKind
	SendSeq  uint16 // I-frames
	RecvSeq  uint16 // I- and S-frames
	UControl byte   // U-frames
}

// EncodeI frames an ASDU payload as an I-frame.
func EncodeI(sendSeq, recvSeq uint16, asdu []byte) []byte {
	frame := make([]byte, apciLen+len(asdu))
	frame[0] = startByte
	frame[1] = byte(4 + len(asdu))
	frame[2] = byte(sendSeq << 1)
	frame[3] = byte(sendSeq >> 7)
	frame[4] = byte(recvSeq << 1)
	frame[5] = byte(recvSeq >> 7)
	copy(frame[6:], asdu)
	return frame
}

// EncodeS builds a supervisory acknowledge for recvSeq.
func EncodeS(recvSeq uint16) []byte {
	return []byte{startByte, 4, 0x01, 0x00, byte(recvSeq << 1), byte(recvSeq >> 7)}
}

// EncodeU builds an unnumbered control frame.
func EncodeU(control byte) []byte {
	return []byte{startByte, 4, control, 0x00, 0x00, 0x00}
}

// DecodeAPCI parses the six APCI octets. The caller supplies exactly the
// header; the ASDU payload, when present, follows in the stream.
func DecodeAPCI(header []byte) (APCI, int, error) {
	if len(header) < apciLen {
		return APCI{}, 0, fmt.Errorf("iec104: apci needs %d bytes, got %d", apciLen, len(header))
	}
	if header[0] != startByte {
		return APCI{}, 0, fmt.Errorf("iec104: bad start byte 0x%02X", header[0])
	}
	length := int(header[1])
	if length < 4 || length > 253 {
		return APCI{}, 0, fmt.Errorf("iec104: bad apdu length %d", length)
	}
	asduLen := length - 4

	c1, c2, c3, c4 := header[2], header[3], header[4], header[5]
	switch {
	case c1&0x01 == 0: // I-frame
		return APCI{
			Kind:    IFrame,
			SendSeq: (uint16(c1) >> 1) | (uint16(c2) << 7),
			RecvSeq: (uint16(c3) >> 1) | (uint16(c4) << 7),
		}, asduLen, nil
	case c1&0x03 == 0x01: // S-frame
		return APCI{
			Kind:    SFrame,
			RecvSeq: (uint16(c3) >> 1) | (uint16(c4) << 7),
		}, asduLen, nil
	default: // U-frame
		return APCI{Kind: UFrame, UControl: c1}, asduLen, nil
	}
}

// nextSeq advances a 15-bit sequence number.
func nextSeq(s uint16) uint16 {
	return (s + 1) % seqModulo
}
