package mdfu

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Client info TLV parameter types.
const (
	paramProtocolVersion       = 1
	paramBufferInfo            = 2
	paramCommandTimeout        = 3
	paramInterTransactionDelay = 4
)

// Wire sizes and units of the client info records.
const (
	bufferInfoSize            = 3
	commandTimeoutSize        = 3
	interTransactionDelaySize = 4

	// Command timeouts are encoded in 0.1 s units.
	timeoutUnit = 100 * time.Millisecond
	// The inter-transaction delay is encoded in nanoseconds.
	itdUnit = time.Nanosecond
)

// ProtocolVersion is the client's MDFU protocol revision.
type ProtocolVersion struct {
	Major, Minor, Patch uint8
	Internal            uint8
	HasInternal         bool
}

func (v ProtocolVersion) String() string {
	if v.HasInternal {
		return fmt.Sprintf("%d.%d.%d-%d", v.Major, v.Minor, v.Patch, v.Internal)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// NewerThan reports whether v is a later revision than the given triple.
func (v ProtocolVersion) NewerThan(major, minor, patch uint8) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch > patch
}

// ClientInfo is the negotiated client state driving all subsequent
// timeouts and buffer sizing.
type ClientInfo struct {
	Version     ProtocolVersion
	BufferSize  uint16
	BufferCount uint8

	DefaultTimeout time.Duration
	// CommandTimeouts is indexed by the raw Command value (1..5); slot 0
	// holds the default. Every slot is seeded from the default record
	// before per-command records overwrite their own.
	CommandTimeouts [maxCommand]time.Duration

	InterTransactionDelay time.Duration
}

// CommandTimeout returns the negotiated timeout for cmd, or the default
// when the client did not advertise one.
func (ci *ClientInfo) CommandTimeout(cmd Command) time.Duration {
	if cmd.valid() && ci.CommandTimeouts[cmd] > 0 {
		return ci.CommandTimeouts[cmd]
	}
	return ci.DefaultTimeout
}

// DecodeClientInfo parses the TLV records of a Get Client Info response.
func DecodeClientInfo(data []byte) (*ClientInfo, error) {
	info := &ClientInfo{}
	for i := 0; i < len(data); {
		if i+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated parameter header at offset %d", ErrParse, i)
		}
		paramType := data[i]
		paramLen := int(data[i+1])
		i += 2
		if i+paramLen > len(data) {
			return nil, fmt.Errorf("%w: parameter length exceeds available data", ErrParse)
		}
		value := data[i : i+paramLen]

		switch paramType {
		case paramProtocolVersion:
			if paramLen != 3 && paramLen != 4 {
				return nil, fmt.Errorf("%w: protocol version length %d, expected 3 or 4", ErrParse, paramLen)
			}
			info.Version.Major = value[0]
			info.Version.Minor = value[1]
			info.Version.Patch = value[2]
			if paramLen == 4 {
				info.Version.Internal = value[3]
				info.Version.HasInternal = true
			}

		case paramBufferInfo:
			if paramLen != bufferInfoSize {
				return nil, fmt.Errorf("%w: buffer info length %d, expected %d", ErrParse, paramLen, bufferInfoSize)
			}
			info.BufferSize = binary.LittleEndian.Uint16(value)
			info.BufferCount = value[2]

		case paramCommandTimeout:
			if err := decodeCommandTimeouts(value, info); err != nil {
				return nil, err
			}

		case paramInterTransactionDelay:
			if paramLen != interTransactionDelaySize {
				return nil, fmt.Errorf("%w: inter transaction delay length %d, expected %d", ErrParse, paramLen, interTransactionDelaySize)
			}
			info.InterTransactionDelay = time.Duration(binary.LittleEndian.Uint32(value)) * itdUnit

		default:
			return nil, fmt.Errorf("%w: invalid parameter type %d", ErrParse, paramType)
		}
		i += paramLen
	}
	return info, nil
}

// decodeCommandTimeouts parses the 3-byte command/timeout records. The
// default record (command code 0) must come first and seeds every slot.
func decodeCommandTimeouts(value []byte, info *ClientInfo) error {
	if len(value) == 0 || len(value)%commandTimeoutSize != 0 {
		return fmt.Errorf("%w: command timeout length %d, expected a non-zero multiple of %d",
			ErrParse, len(value), commandTimeoutSize)
	}
	for rec := 0; rec*commandTimeoutSize < len(value); rec++ {
		entry := value[rec*commandTimeoutSize:]
		cmd := Command(entry[0])
		to := time.Duration(binary.LittleEndian.Uint16(entry[1:3])) * timeoutUnit
		switch {
		case cmd == 0:
			if rec != 0 {
				return fmt.Errorf("%w: default command timeout at position %d, must be first", ErrParse, rec)
			}
			info.DefaultTimeout = to
			for x := range info.CommandTimeouts {
				info.CommandTimeouts[x] = to
			}
		case cmd >= maxCommand:
			return fmt.Errorf("%w: invalid command code 0x%02x in command timeouts", ErrParse, uint8(cmd))
		default:
			if rec == 0 {
				return fmt.Errorf("%w: command timeout list must start with the default record", ErrParse)
			}
			info.CommandTimeouts[cmd] = to
		}
	}
	return nil
}

// String renders the client information in human readable form.
func (ci *ClientInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MDFU client information\n")
	fmt.Fprintf(&b, "--------------------------------\n")
	fmt.Fprintf(&b, "- MDFU protocol version: %s\n", ci.Version)
	fmt.Fprintf(&b, "- Number of command buffers: %d\n", ci.BufferCount)
	fmt.Fprintf(&b, "- Maximum packet data length: %d bytes\n", ci.BufferSize)
	fmt.Fprintf(&b, "- Inter transaction delay: %v\n", ci.InterTransactionDelay)
	fmt.Fprintf(&b, "Command timeouts\n")
	fmt.Fprintf(&b, "- Default timeout: %.1f seconds\n", ci.DefaultTimeout.Seconds())
	for cmd := Command(1); cmd < maxCommand; cmd++ {
		fmt.Fprintf(&b, "- %s: %.1f seconds\n", cmd, ci.CommandTimeout(cmd).Seconds())
	}
	return b.String()
}

// validateFor checks the negotiated parameters against the host limits.
func (ci *ClientInfo) validateFor(hostMax int) error {
	if ci.Version.NewerThan(hostVersionMajor, hostVersionMinor, hostVersionPatch) {
		return fmt.Errorf("%w: client protocol version %s is newer than the host's %s",
			ErrParse, ci.Version, HostProtocolVersion)
	}
	if ci.BufferSize == 0 {
		return fmt.Errorf("%w: client did not advertise a command buffer size", ErrParse)
	}
	if int(ci.BufferSize) > hostMax {
		return fmt.Errorf("%w: client buffer size %d exceeds host maximum command data length %d",
			ErrParse, ci.BufferSize, hostMax)
	}
	return nil
}
