package sv2

import (
	"errors"
	"fmt"
)

// Message type bytes of the Template Distribution sub-protocol.
const (
	MsgTypeSetupConnection               uint8 = 0x00
	MsgTypeSetupConnectionSuccess        uint8 = 0x01
	MsgTypeSetupConnectionError          uint8 = 0x02
	MsgTypeCoinbaseOutputConstraints     uint8 = 0x70
	MsgTypeNewTemplate                   uint8 = 0x71
	MsgTypeSetNewPrevHash                uint8 = 0x72
	MsgTypeRequestTransactionData        uint8 = 0x73
	MsgTypeRequestTransactionDataSuccess uint8 = 0x74
	MsgTypeRequestTransactionDataError   uint8 = 0x75
	MsgTypeSubmitSolution                uint8 = 0x76
)

// ProtocolTemplateDistribution is the protocol byte clients must send in
// SETUP_CONNECTION.
const ProtocolTemplateDistribution uint8 = 2

// HeaderSize is the byte size of the message header preceding each payload:
// extension_type (u16) | msg_type (u8) | length (u24).
const HeaderSize = 6

// ErrUnknownMessageType indicates a msg_type byte with no known mapping.
var ErrUnknownMessageType = errors.New("sv2: unknown message type")

// Message is a decoded Stratum v2 message.
type Message interface {
	// MsgType returns the wire type byte.
	MsgType() uint8
	marshal(w *writer)
	unmarshal(r *reader)
}

// Header is the fixed 6-byte prefix of every serialized message.
type Header struct {
	ExtensionType uint16
	MsgType       uint8
	Length        uint32 // u24, payload byte count
}

// DecodeHeader parses a message header. buf must hold at least HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncatedField
	}
	r := newReader(buf[:HeaderSize])
	h := Header{
		ExtensionType: r.u16(),
		MsgType:       r.u8(),
		Length:        r.u24(),
	}
	return h, r.err
}

// Marshal serializes the message payload (header excluded).
func Marshal(msg Message) ([]byte, error) {
	if err := validateBounds(msg); err != nil {
		return nil, err
	}
	var w writer
	msg.marshal(&w)
	return w.bytes(), nil
}

// Encode serializes the full message: header followed by payload. The
// extension_type is always zero for the Template Distribution protocol.
func Encode(msg Message) ([]byte, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxB016M {
		return nil, ErrLengthOverflow
	}
	var w writer
	w.putU16(0)
	w.putU8(msg.MsgType())
	w.putU24(uint32(len(payload)))
	w.buf = append(w.buf, payload...)
	return w.bytes(), nil
}

// Unmarshal decodes a payload of the given msg_type into a typed message.
func Unmarshal(msgType uint8, payload []byte) (Message, error) {
	var msg Message
	switch msgType {
	case MsgTypeSetupConnection:
		msg = &SetupConnection{}
	case MsgTypeSetupConnectionSuccess:
		msg = &SetupConnectionSuccess{}
	case MsgTypeSetupConnectionError:
		msg = &SetupConnectionError{}
	case MsgTypeCoinbaseOutputConstraints:
		msg = &CoinbaseOutputConstraints{}
	case MsgTypeNewTemplate:
		msg = &NewTemplate{}
	case MsgTypeSetNewPrevHash:
		msg = &SetNewPrevHash{}
	case MsgTypeRequestTransactionData:
		msg = &RequestTransactionData{}
	case MsgTypeRequestTransactionDataSuccess:
		msg = &RequestTransactionDataSuccess{}
	case MsgTypeRequestTransactionDataError:
		msg = &RequestTransactionDataError{}
	case MsgTypeSubmitSolution:
		msg = &SubmitSolution{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, msgType)
	}
	r := newReader(payload)
	msg.unmarshal(r)
	if err := r.finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

func validateBounds(msg Message) error {
	switch m := msg.(type) {
	case *SetupConnection:
		for _, s := range []string{m.EndpointHost, m.Vendor, m.HardwareVersion, m.Firmware, m.DeviceID} {
			if len(s) > MaxStr0255 {
				return ErrLengthOverflow
			}
		}
	case *SetupConnectionError:
		if len(m.ErrorCode) > MaxStr0255 {
			return ErrLengthOverflow
		}
	case *NewTemplate:
		if len(m.CoinbasePrefix) > MaxB0255 || len(m.CoinbaseTxOutputs) > MaxB064K || len(m.MerklePath) > 255 {
			return ErrLengthOverflow
		}
	case *RequestTransactionDataSuccess:
		if len(m.ExcessData) > MaxB064K || len(m.TransactionList) > MaxB064K {
			return ErrLengthOverflow
		}
		for _, tx := range m.TransactionList {
			if len(tx) > MaxB016M {
				return ErrLengthOverflow
			}
		}
	case *RequestTransactionDataError:
		if len(m.ErrorCode) > MaxStr0255 {
			return ErrLengthOverflow
		}
	case *SubmitSolution:
		if len(m.CoinbaseTx) > MaxB064K {
			return ErrLengthOverflow
		}
	}
	return nil
}

// SetupConnection (0x00) opens a session and negotiates versions and flags.
type SetupConnection struct {
	Protocol        uint8
	MinVersion      uint16
	MaxVersion      uint16
	Flags           uint32
	EndpointHost    string
	EndpointPort    uint16
	Vendor          string
	HardwareVersion string
	Firmware        string
	DeviceID        string
}

func (*SetupConnection) MsgType() uint8 { return MsgTypeSetupConnection }

func (m *SetupConnection) marshal(w *writer) {
	w.putU8(m.Protocol)
	w.putU16(m.MinVersion)
	w.putU16(m.MaxVersion)
	w.putU32(m.Flags)
	w.putStr0255(m.EndpointHost)
	w.putU16(m.EndpointPort)
	w.putStr0255(m.Vendor)
	w.putStr0255(m.HardwareVersion)
	w.putStr0255(m.Firmware)
	w.putStr0255(m.DeviceID)
}

func (m *SetupConnection) unmarshal(r *reader) {
	m.Protocol = r.u8()
	m.MinVersion = r.u16()
	m.MaxVersion = r.u16()
	m.Flags = r.u32()
	m.EndpointHost = r.str0255()
	m.EndpointPort = r.u16()
	m.Vendor = r.str0255()
	m.HardwareVersion = r.str0255()
	m.Firmware = r.str0255()
	m.DeviceID = r.str0255()
}

// SetupConnectionSuccess (0x01) accepts a SETUP_CONNECTION.
type SetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       uint32
}

func (*SetupConnectionSuccess) MsgType() uint8 { return MsgTypeSetupConnectionSuccess }

func (m *SetupConnectionSuccess) marshal(w *writer) {
	w.putU16(m.UsedVersion)
	w.putU32(m.Flags)
}

func (m *SetupConnectionSuccess) unmarshal(r *reader) {
	m.UsedVersion = r.u16()
	m.Flags = r.u32()
}

// SetupConnectionError (0x02) rejects a SETUP_CONNECTION.
type SetupConnectionError struct {
	Flags     uint32
	ErrorCode string
}

func (*SetupConnectionError) MsgType() uint8 { return MsgTypeSetupConnectionError }

func (m *SetupConnectionError) marshal(w *writer) {
	w.putU32(m.Flags)
	w.putStr0255(m.ErrorCode)
}

func (m *SetupConnectionError) unmarshal(r *reader) {
	m.Flags = r.u32()
	m.ErrorCode = r.str0255()
}

// CoinbaseOutputConstraints (0x70) bounds what the client will append to
// the coinbase transaction.
type CoinbaseOutputConstraints struct {
	MaxAdditionalSize uint32
	MaxSigops         uint16
}

func (*CoinbaseOutputConstraints) MsgType() uint8 { return MsgTypeCoinbaseOutputConstraints }

func (m *CoinbaseOutputConstraints) marshal(w *writer) {
	w.putU32(m.MaxAdditionalSize)
	w.putU16(m.MaxSigops)
}

func (m *CoinbaseOutputConstraints) unmarshal(r *reader) {
	m.MaxAdditionalSize = r.u32()
	m.MaxSigops = r.u16()
}

// NewTemplate (0x71) carries a block template candidate.
type NewTemplate struct {
	TemplateID               uint64
	FutureTemplate           bool
	Version                  uint32
	CoinbaseTxVersion        uint32
	CoinbasePrefix           []byte
	CoinbaseTxInputSequence  uint32
	CoinbaseTxValueRemaining uint64
	CoinbaseTxOutputsCount   uint32
	CoinbaseTxOutputs        []byte
	CoinbaseTxLocktime       uint32
	MerklePath               [][32]byte
}

func (*NewTemplate) MsgType() uint8 { return MsgTypeNewTemplate }

func (m *NewTemplate) marshal(w *writer) {
	w.putU64(m.TemplateID)
	w.putBool(m.FutureTemplate)
	w.putU32(m.Version)
	w.putU32(m.CoinbaseTxVersion)
	w.putB0255(m.CoinbasePrefix)
	w.putU32(m.CoinbaseTxInputSequence)
	w.putU64(m.CoinbaseTxValueRemaining)
	w.putU32(m.CoinbaseTxOutputsCount)
	w.putB064K(m.CoinbaseTxOutputs)
	w.putU32(m.CoinbaseTxLocktime)
	w.putU8(uint8(len(m.MerklePath)))
	for _, h := range m.MerklePath {
		w.putU256(h)
	}
}

func (m *NewTemplate) unmarshal(r *reader) {
	m.TemplateID = r.u64()
	m.FutureTemplate, _ = r.boolean()
	m.Version = r.u32()
	m.CoinbaseTxVersion = r.u32()
	m.CoinbasePrefix = r.b0255()
	m.CoinbaseTxInputSequence = r.u32()
	m.CoinbaseTxValueRemaining = r.u64()
	m.CoinbaseTxOutputsCount = r.u32()
	m.CoinbaseTxOutputs = r.b064K()
	m.CoinbaseTxLocktime = r.u32()
	n := int(r.u8())
	if n > 0 {
		m.MerklePath = make([][32]byte, 0, n)
		for i := 0; i < n; i++ {
			m.MerklePath = append(m.MerklePath, r.u256())
		}
	}
}

// SetNewPrevHash (0x72) anchors previously sent templates on a new tip.
type SetNewPrevHash struct {
	TemplateID      uint64
	PrevHash        [32]byte
	HeaderTimestamp uint32
	NBits           uint32
	Target          [32]byte
}

func (*SetNewPrevHash) MsgType() uint8 { return MsgTypeSetNewPrevHash }

func (m *SetNewPrevHash) marshal(w *writer) {
	w.putU64(m.TemplateID)
	w.putU256(m.PrevHash)
	w.putU32(m.HeaderTimestamp)
	w.putU32(m.NBits)
	w.putU256(m.Target)
}

func (m *SetNewPrevHash) unmarshal(r *reader) {
	m.TemplateID = r.u64()
	m.PrevHash = r.u256()
	m.HeaderTimestamp = r.u32()
	m.NBits = r.u32()
	m.Target = r.u256()
}

// RequestTransactionData (0x73) asks for the transactions of a template.
type RequestTransactionData struct {
	TemplateID uint64
}

func (*RequestTransactionData) MsgType() uint8 { return MsgTypeRequestTransactionData }

func (m *RequestTransactionData) marshal(w *writer) {
	w.putU64(m.TemplateID)
}

func (m *RequestTransactionData) unmarshal(r *reader) {
	m.TemplateID = r.u64()
}

// RequestTransactionDataSuccess (0x74) returns the raw non-coinbase
// transactions of a template, in template order.
type RequestTransactionDataSuccess struct {
	TemplateID      uint64
	ExcessData      []byte
	TransactionList [][]byte
}

func (*RequestTransactionDataSuccess) MsgType() uint8 { return MsgTypeRequestTransactionDataSuccess }

func (m *RequestTransactionDataSuccess) marshal(w *writer) {
	w.putU64(m.TemplateID)
	w.putB064K(m.ExcessData)
	w.putU16(uint16(len(m.TransactionList)))
	for _, tx := range m.TransactionList {
		w.putB016M(tx)
	}
}

func (m *RequestTransactionDataSuccess) unmarshal(r *reader) {
	m.TemplateID = r.u64()
	m.ExcessData = r.b064K()
	n := int(r.u16())
	if n > 0 {
		m.TransactionList = make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			m.TransactionList = append(m.TransactionList, r.b016M())
		}
	}
}

// RequestTransactionDataError (0x75) rejects a transaction data request.
type RequestTransactionDataError struct {
	TemplateID uint64
	ErrorCode  string
}

func (*RequestTransactionDataError) MsgType() uint8 { return MsgTypeRequestTransactionDataError }

func (m *RequestTransactionDataError) marshal(w *writer) {
	w.putU64(m.TemplateID)
	w.putStr0255(m.ErrorCode)
}

func (m *RequestTransactionDataError) unmarshal(r *reader) {
	m.TemplateID = r.u64()
	m.ErrorCode = r.str0255()
}

// SubmitSolution (0x76) submits a solved block for a template.
type SubmitSolution struct {
	TemplateID      uint64
	Version         uint32
	HeaderTimestamp uint32
	HeaderNonce     uint32
	CoinbaseTx      []byte
}

func (*SubmitSolution) MsgType() uint8 { return MsgTypeSubmitSolution }

func (m *SubmitSolution) marshal(w *writer) {
	w.putU64(m.TemplateID)
	w.putU32(m.Version)
	w.putU32(m.HeaderTimestamp)
	w.putU32(m.HeaderNonce)
	w.putB064K(m.CoinbaseTx)
}

func (m *SubmitSolution) unmarshal(r *reader) {
	m.TemplateID = r.u64()
	m.Version = r.u32()
	m.HeaderTimestamp = r.u32()
	m.HeaderNonce = r.u32()
	m.CoinbaseTx = r.b064K()
}
