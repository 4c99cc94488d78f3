// Package mdfu implements the MDFU host protocol engine: packet codec,
// client information decoding and the command-sequenced update session.
package mdfu

import (
	"fmt"

	"github.com/elliott-bfs/cmdfu/internal/transport"
)

// Packet header bit layout: sync (command) or resend (response) in bit 7/6,
// 5-bit sequence number in bits 4..0, bit 5 reserved zero.
const (
	headerSyncMask   = 0x80
	headerResendMask = 0x40
	headerSeqMask    = 0x1F

	sequenceModulus = 32
)

// Command is an MDFU command code.
type Command uint8

const (
	GetClientInfo Command = 0x01
	StartTransfer Command = 0x02
	WriteChunk    Command = 0x03
	GetImageState Command = 0x04
	EndTransfer   Command = 0x05

	maxCommand = 0x06
)

var commandNames = [maxCommand]string{
	"", // command code 0 does not exist
	"Get Client Info",
	"Start Transfer",
	"Write Chunk",
	"Get Image State",
	"End Transfer",
}

func (c Command) valid() bool { return c > 0 && c < maxCommand }

func (c Command) String() string {
	if c.valid() {
		return commandNames[c]
	}
	return fmt.Sprintf("command(0x%02x)", uint8(c))
}

// Status is an MDFU response status code.
type Status uint8

const (
	StatusSuccess             Status = 0x01
	StatusCommandNotSupported Status = 0x02
	StatusNotAuthorized       Status = 0x03
	StatusCommandNotExecuted  Status = 0x04
	StatusAbortFileTransfer   Status = 0x05

	maxStatus = 0x06
)

var statusNames = [maxStatus]string{
	"", // status code 0 does not exist
	"Success",
	"Command not supported",
	"Not authorized",
	"Command not executed",
	"Abort file transfer",
}

func (s Status) valid() bool { return s > 0 && s < maxStatus }

func (s Status) String() string {
	if s.valid() {
		return statusNames[s]
	}
	return fmt.Sprintf("status(0x%02x)", uint8(s))
}

// Cause descriptions carried in the first data byte of a Command not
// executed response.
var cmdNotExecutedCauses = []string{
	"command failed the transport integrity check and was corrupted on its way to the client",
	"command exceeded the size of the client buffer",
	"command was too short",
	"sequence number of the command is invalid",
}

// Cause descriptions carried in the first data byte of an Abort file
// transfer response.
var fileTransferAbortCauses = []string{
	"generic problem encountered by client",
	"generic problem with the update file",
	"update file is not compatible with the client device ID",
	"invalid address is present in the update file",
	"client memory did not properly erase",
	"client memory did not properly write",
	"client memory did not properly read",
	"client did not allow changing to the application version in the update file",
}

// CmdPacket is an MDFU command before encoding. Data is borrowed.
type CmdPacket struct {
	Sequence uint8
	Sync     bool
	Command  Command
	Data     []byte
}

// Response is a decoded MDFU status packet. Data borrows the receive
// buffer and is only valid until the next transaction.
type Response struct {
	Sequence uint8
	Resend   bool
	Status   Status
	Data     []byte
}

// EncodeCommand writes the 2-byte header and payload of p into buf and
// returns the encoded size.
func EncodeCommand(p CmdPacket, buf []byte) (int, error) {
	if p.Sequence >= sequenceModulus {
		return 0, fmt.Errorf("mdfu: sequence number %d out of range", p.Sequence)
	}
	if !p.Command.valid() {
		return 0, fmt.Errorf("mdfu: invalid command 0x%02x", uint8(p.Command))
	}
	if len(p.Data) > transport.MaxCommandDataLength {
		return 0, fmt.Errorf("mdfu: %d byte payload exceeds maximum command data length %d",
			len(p.Data), transport.MaxCommandDataLength)
	}
	if len(buf) < 2+len(p.Data) {
		return 0, fmt.Errorf("mdfu: %d byte buffer too small for %d byte packet", len(buf), 2+len(p.Data))
	}
	buf[0] = p.Sequence & headerSeqMask
	if p.Sync {
		buf[0] |= headerSyncMask
	}
	buf[1] = byte(p.Command)
	copy(buf[2:], p.Data)
	return 2 + len(p.Data), nil
}

// DecodeResponse parses a raw status packet. Malformed packets are reported
// as transport.ErrInvalidFrame so the send loop retries them.
func DecodeResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, fmt.Errorf("%w: %d byte response packet", transport.ErrInvalidFrame, len(raw))
	}
	rsp := Response{
		Sequence: raw[0] & headerSeqMask,
		Resend:   raw[0]&headerResendMask != 0,
		Status:   Status(raw[1]),
	}
	if !rsp.Status.valid() {
		return Response{}, fmt.Errorf("%w: invalid status 0x%02x", transport.ErrInvalidFrame, raw[1])
	}
	if len(raw) > 2 {
		rsp.Data = raw[2:]
	}
	return rsp, nil
}
