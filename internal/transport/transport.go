package transport

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Sjors/sv2-tp/internal/noise"
	"github.com/Sjors/sv2-tp/internal/sv2"
)

const (
	// MaxRecordLen is the largest on-wire record body (ciphertext
	// including the AEAD tag); the u24 length prefix is excluded.
	MaxRecordLen = 65535
	// MaxRecordPlaintext is the largest plaintext a single record carries.
	MaxRecordPlaintext = MaxRecordLen - noise.TagSize
	// MaxMessageSize bounds a reassembled message: header plus the
	// largest payload the u24 length field can describe.
	MaxMessageSize = sv2.HeaderSize + sv2.MaxB016M

	// recordLenSize is the u24 length prefix preceding each record.
	recordLenSize = 3
)

var (
	// ErrFrameTooLarge indicates a record length prefix above MaxRecordLen.
	ErrFrameTooLarge = errors.New("transport: frame too large")
	// ErrDecryptFailure indicates an AEAD failure on a transport record.
	// Fatal: the key streams have desynced or the peer is misbehaving.
	ErrDecryptFailure = errors.New("transport: record decryption failed")
)

// Transport frames Stratum v2 messages over an established noise session.
// Inbound bytes stream in via ReceivedBytes; outbound messages are queued
// with SetMessageToSend and drained with BytesToSend. Not safe for
// concurrent use; the owning connection serializes access per direction.
type Transport struct {
	send *noise.CipherState
	recv *noise.CipherState

	logger *zap.Logger

	// Inbound stream buffer holding partial records.
	inBuf []byte
	// Reassembly buffer holding decrypted fragments of one message.
	msgBuf []byte
	// Total serialized size of the message being reassembled, 0 when idle.
	msgWant int

	// Framed records ready for the socket.
	outBuf []byte
}

// New creates a transport over a completed handshake's cipher pair.
func New(send, recv *noise.CipherState, logger *zap.Logger) *Transport {
	return &Transport{send: send, recv: recv, logger: logger}
}

// SetRekeyByteLimit adjusts the per-key plaintext ceiling on both
// directions. Must match the remote endpoint's configuration.
func (t *Transport) SetRekeyByteLimit(limit uint64) {
	t.send.SetByteLimit(limit)
	t.recv.SetByteLimit(limit)
}

// ReceivedBytes feeds raw socket bytes in and returns any complete
// messages. Partial records and partial messages are retained, so the
// call is idempotent on short reads. Unknown message types are logged at
// debug and discarded; the connection stays up.
func (t *Transport) ReceivedBytes(data []byte) ([]sv2.Message, error) {
	t.inBuf = append(t.inBuf, data...)

	var msgs []sv2.Message
	for {
		if len(t.inBuf) < recordLenSize {
			return msgs, nil
		}
		recLen := int(t.inBuf[0]) | int(t.inBuf[1])<<8 | int(t.inBuf[2])<<16
		if recLen > MaxRecordLen {
			return msgs, ErrFrameTooLarge
		}
		if len(t.inBuf) < recordLenSize+recLen {
			return msgs, nil
		}

		ciphertext := t.inBuf[recordLenSize : recordLenSize+recLen]
		plaintext, err := t.recv.DecryptWithAd(nil, ciphertext)
		if err != nil {
			return msgs, ErrDecryptFailure
		}
		t.inBuf = t.inBuf[recordLenSize+recLen:]
		if err := t.recv.RecordProcessed(len(plaintext)); err != nil {
			return msgs, err
		}

		msg, err := t.assemble(plaintext)
		if err != nil {
			return msgs, err
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
}

// assemble accumulates one record's plaintext into the current message
// and decodes it once complete.
func (t *Transport) assemble(fragment []byte) (sv2.Message, error) {
	t.msgBuf = append(t.msgBuf, fragment...)

	if t.msgWant == 0 {
		if len(t.msgBuf) < sv2.HeaderSize {
			// A header never spans records: the sender fragments at
			// 65519 bytes, far above the 6-byte header.
			return nil, fmt.Errorf("transport: record smaller than message header")
		}
		hdr, err := sv2.DecodeHeader(t.msgBuf)
		if err != nil {
			return nil, err
		}
		t.msgWant = sv2.HeaderSize + int(hdr.Length)
	}

	if len(t.msgBuf) < t.msgWant {
		return nil, nil
	}
	if len(t.msgBuf) > t.msgWant {
		// Records carve messages exactly; a long tail means the peer's
		// framing is broken.
		return nil, fmt.Errorf("transport: record overruns message boundary")
	}

	hdr, err := sv2.DecodeHeader(t.msgBuf)
	if err != nil {
		return nil, err
	}
	payload := t.msgBuf[sv2.HeaderSize:]
	msg, err := sv2.Unmarshal(hdr.MsgType, payload)

	t.msgBuf = nil
	t.msgWant = 0

	if err != nil {
		if errors.Is(err, sv2.ErrUnknownMessageType) {
			t.logger.Debug("dropping unknown message",
				zap.Uint8("msg_type", hdr.MsgType),
				zap.Uint32("length", hdr.Length),
			)
			return nil, nil
		}
		t.logger.Debug("dropping undecodable message",
			zap.Uint8("msg_type", hdr.MsgType),
			zap.Error(err),
		)
		return nil, nil
	}
	return msg, nil
}

// SetMessageToSend serializes msg, splits it into encrypted records and
// queues the framed bytes.
func (t *Transport) SetMessageToSend(msg sv2.Message) error {
	serialized, err := sv2.Encode(msg)
	if err != nil {
		return err
	}
	return t.queue(serialized)
}

func (t *Transport) queue(serialized []byte) error {
	if len(serialized) > MaxMessageSize {
		return ErrFrameTooLarge
	}
	for off := 0; off < len(serialized); off += MaxRecordPlaintext {
		end := off + MaxRecordPlaintext
		if end > len(serialized) {
			end = len(serialized)
		}
		chunk := serialized[off:end]

		ciphertext := t.send.EncryptWithAd(nil, chunk)
		t.outBuf = append(t.outBuf,
			byte(len(ciphertext)), byte(len(ciphertext)>>8), byte(len(ciphertext)>>16))
		t.outBuf = append(t.outBuf, ciphertext...)

		if err := t.send.RecordProcessed(len(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// BytesToSend drains the framed bytes ready for the socket.
func (t *Transport) BytesToSend() []byte {
	out := t.outBuf
	t.outBuf = nil
	return out
}

// PendingBytes reports how many framed bytes await draining.
func (t *Transport) PendingBytes() int {
	return len(t.outBuf)
}
