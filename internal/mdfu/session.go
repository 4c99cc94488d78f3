package mdfu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/logging"
	"github.com/elliott-bfs/cmdfu/internal/metrics"
	"github.com/elliott-bfs/cmdfu/internal/transport"
)

// MDFU protocol revision this host implements. Clients advertising a newer
// triple are rejected before transfer.
const (
	hostVersionMajor = 1
	hostVersionMinor = 2
	hostVersionPatch = 0
)

// HostProtocolVersion is the printable host protocol revision.
const HostProtocolVersion = "1.2.0"

// defaultCmdTimeout bounds the first transaction, before the client's
// timeout table is known.
const defaultCmdTimeout = time.Second

// DefaultRetries is the per-transaction attempt budget when none is
// configured.
const DefaultRetries = 5

// Image states reported by Get Image State.
const (
	imageStateValid   = 1
	imageStateInvalid = 2
)

// Session drives one MDFU client over an exclusively owned transport.
// Not safe for concurrent use; all commands of a session are totally
// ordered.
type Session struct {
	tr      transport.Transport
	retries int
	seq     uint8
	info    *ClientInfo
	log     *slog.Logger

	txBuf [transport.CmdPacketMaxSize]byte
	rxBuf [transport.ResponsePacketMaxSize]byte
}

// NewSession creates a session over tr with the given per-transaction
// attempt budget.
func NewSession(tr transport.Transport, retries int) *Session {
	if retries <= 0 {
		retries = DefaultRetries
	}
	return &Session{tr: tr, retries: retries, log: logging.L()}
}

// Open opens the underlying transport.
func (s *Session) Open() error {
	if err := s.tr.Open(); err != nil {
		return fmt.Errorf("mdfu open transport: %w", err)
	}
	return nil
}

// Close closes the underlying transport.
func (s *Session) Close() error {
	if err := s.tr.Close(); err != nil {
		return fmt.Errorf("mdfu close transport: %w", err)
	}
	return nil
}

// ClientInfo returns the cached client information, if negotiated.
func (s *Session) ClientInfo() *ClientInfo { return s.info }

// GetClientInfo performs the session-starting sync transaction and caches
// the decoded client information.
func (s *Session) GetClientInfo() (*ClientInfo, error) {
	rsp, err := s.sendCmd(CmdPacket{Sync: true, Command: GetClientInfo})
	if err != nil {
		return nil, err
	}
	info, err := DecodeClientInfo(rsp.Data)
	if err != nil {
		metrics.IncError(metrics.ErrParse)
		return nil, err
	}
	s.info = info
	s.log.Debug("client_info",
		"version", info.Version.String(),
		"buffer_size", info.BufferSize,
		"buffer_count", info.BufferCount,
		"default_timeout", info.DefaultTimeout,
		"inter_transaction_delay", info.InterTransactionDelay)
	return info, nil
}

// RunUpdate streams the firmware image to the client in client-sized
// chunks and verifies the resulting image state. The caller still owns the
// transport close.
func (s *Session) RunUpdate(image io.Reader) error {
	info := s.info
	if info == nil {
		var err error
		if info, err = s.GetClientInfo(); err != nil {
			return err
		}
	}
	if err := info.validateFor(transport.MaxCommandDataLength); err != nil {
		metrics.IncError(metrics.ErrParse)
		return err
	}
	if ds, ok := s.tr.(transport.InterTransactionDelaySetter); ok {
		if err := ds.SetInterTransactionDelay(info.InterTransactionDelay); err != nil {
			return fmt.Errorf("mdfu adopt inter transaction delay: %w", err)
		}
	}

	if _, err := s.sendCmd(CmdPacket{Command: StartTransfer}); err != nil {
		return err
	}

	buf := make([]byte, info.BufferSize)
	for {
		n, err := io.ReadFull(image, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncError(metrics.ErrImageRead)
			return fmt.Errorf("mdfu read image: %w", err)
		}
		if n > 0 {
			if _, werr := s.sendCmd(CmdPacket{Command: WriteChunk, Data: buf[:n]}); werr != nil {
				return werr
			}
			metrics.IncChunk()
			metrics.AddImageBytes(n)
		}
		if n < len(buf) {
			break // end of firmware update image
		}
	}

	rsp, err := s.sendCmd(CmdPacket{Command: GetImageState})
	if err != nil {
		return err
	}
	if len(rsp.Data) < 1 {
		return fmt.Errorf("%w: empty image state response", transport.ErrInvalidFrame)
	}
	if state := rsp.Data[0]; state != imageStateValid {
		s.log.Error("image_state_invalid", "state", state)
		return fmt.Errorf("%w: state %d", ErrImageInvalid, state)
	}

	if _, err := s.sendCmd(CmdPacket{Command: EndTransfer}); err != nil {
		return err
	}
	return nil
}

// commandTimeout picks the per-command deadline: negotiated from client
// info when available, a fixed 1 s before that.
func (s *Session) commandTimeout(cmd Command) time.Duration {
	if s.info != nil {
		if to := s.info.CommandTimeout(cmd); to > 0 {
			return to
		}
	}
	return defaultCmdTimeout
}

// sendCmd runs one command transaction with bounded retries. Sync commands
// reset the sequence counter; resend responses repeat the same sequence
// number while still consuming budget.
func (s *Session) sendCmd(cmd CmdPacket) (Response, error) {
	if cmd.Sync {
		s.seq = 0
	}
	cmd.Sequence = s.seq

	n, err := EncodeCommand(cmd, s.txBuf[:])
	if err != nil {
		return Response{}, err
	}
	to := s.commandTimeout(cmd.Command)
	s.log.Debug("send_cmd",
		"command", cmd.Command.String(),
		"sequence", cmd.Sequence,
		"sync", cmd.Sync,
		"data_size", len(cmd.Data),
		"timeout", to)

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			metrics.IncRetry()
		}
		if err := s.tr.Write(s.txBuf[:n]); err != nil {
			if !transport.Retriable(err) {
				return Response{}, err
			}
			s.log.Debug("cmd_write_failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		metrics.IncCmdPacket()

		rn, err := s.tr.Read(s.rxBuf[:], to)
		if err != nil {
			if !transport.Retriable(err) {
				return Response{}, err
			}
			s.log.Debug("cmd_read_failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		rsp, err := DecodeResponse(s.rxBuf[:rn])
		if err != nil {
			s.log.Debug("cmd_decode_failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		metrics.IncStatusPacket()
		s.log.Debug("recv_status",
			"status", rsp.Status.String(),
			"sequence", rsp.Sequence,
			"resend", rsp.Resend,
			"data_size", len(rsp.Data))

		if rsp.Resend {
			metrics.IncResend()
			s.log.Debug("client_requested_resend", "sequence", rsp.Sequence)
			lastErr = fmt.Errorf("client requested resend of sequence %d", rsp.Sequence)
			continue
		}
		if rsp.Sequence != cmd.Sequence {
			s.log.Debug("sequence_mismatch", "sent", cmd.Sequence, "received", rsp.Sequence)
			lastErr = fmt.Errorf("%w: sent %d, received %d", ErrUnexpectedSequence, cmd.Sequence, rsp.Sequence)
			continue
		}
		s.seq = (s.seq + 1) % sequenceModulus
		if rsp.Status != StatusSuccess {
			s.logErrorCause(rsp)
			metrics.IncError(metrics.ErrProtocol)
			return rsp, fmt.Errorf("%w: %s", ErrProtocol, rsp.Status)
		}
		return rsp, nil
	}
	s.log.Error("cmd_retries_exhausted", "command", cmd.Command.String(), "attempts", s.retries)
	return Response{}, fmt.Errorf("mdfu: command %s failed after %d attempts: %w", cmd.Command, s.retries, lastErr)
}

// logErrorCause logs the client-reported cause of a failed command.
func (s *Session) logErrorCause(rsp Response) {
	s.log.Error("client_status_error", "status", rsp.Status.String())
	if len(rsp.Data) < 1 {
		return
	}
	cause := int(rsp.Data[0])
	switch rsp.Status {
	case StatusCommandNotExecuted:
		if cause < len(cmdNotExecutedCauses) {
			s.log.Error("command_not_executed", "cause", cmdNotExecutedCauses[cause])
		} else {
			s.log.Error("command_not_executed", "invalid_cause", cause)
		}
	case StatusAbortFileTransfer:
		if cause < len(fileTransferAbortCauses) {
			s.log.Error("file_transfer_abort", "cause", fileTransferAbortCauses[cause])
		} else {
			s.log.Error("file_transfer_abort", "invalid_cause", cause)
		}
	}
}
