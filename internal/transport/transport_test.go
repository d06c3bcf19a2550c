package transport

import (
	"bytes"
	"testing"

	"go.uber.org/zap"

	"github.com/Sjors/sv2-tp/internal/noise"
	"github.com/Sjors/sv2-tp/internal/sv2"
)

// testPair wires two transports together the way a completed handshake
// would: a's send key is b's receive key and vice versa.
func testPair(t *testing.T) (a, b *Transport) {
	t.Helper()
	var k1, k2 [noise.KeySize]byte
	k1[0] = 0x01
	k2[0] = 0x02

	mk := func(key [noise.KeySize]byte) *noise.CipherState {
		cs, err := noise.NewCipherState(key)
		if err != nil {
			t.Fatalf("cipher state: %v", err)
		}
		return cs
	}

	logger := zap.NewNop()
	a = New(mk(k1), mk(k2), logger)
	b = New(mk(k2), mk(k1), logger)
	return a, b
}

func TestTransport_RoundTrip(t *testing.T) {
	a, b := testPair(t)

	sent := &sv2.SetupConnectionSuccess{UsedVersion: 2, Flags: 0}
	if err := a.SetMessageToSend(sent); err != nil {
		t.Fatalf("queue: %v", err)
	}

	msgs, err := b.ReceivedBytes(a.BytesToSend())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got, ok := msgs[0].(*sv2.SetupConnectionSuccess)
	if !ok || got.UsedVersion != 2 {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
}

func TestTransport_PartialInput(t *testing.T) {
	a, b := testPair(t)

	if err := a.SetMessageToSend(&sv2.RequestTransactionData{TemplateID: 99}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	wire := a.BytesToSend()

	// Feed one byte at a time; only the final byte completes the message.
	for i := 0; i < len(wire)-1; i++ {
		msgs, err := b.ReceivedBytes(wire[i : i+1])
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		if len(msgs) != 0 {
			t.Fatalf("premature message at byte %d", i)
		}
	}
	msgs, err := b.ReceivedBytes(wire[len(wire)-1:])
	if err != nil {
		t.Fatalf("final byte: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].(*sv2.RequestTransactionData).TemplateID != 99 {
		t.Errorf("template id mismatch")
	}
}

func TestTransport_Fragmentation(t *testing.T) {
	a, b := testPair(t)

	// A transaction list big enough to span several records.
	big := &sv2.RequestTransactionDataSuccess{
		TemplateID:      1,
		TransactionList: [][]byte{bytes.Repeat([]byte{0xab}, 200_000)},
	}
	serialized, err := sv2.Encode(big)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wantRecords := (len(serialized) + MaxRecordPlaintext - 1) / MaxRecordPlaintext

	if err := a.SetMessageToSend(big); err != nil {
		t.Fatalf("queue: %v", err)
	}
	wire := a.BytesToSend()

	// Count records and verify each stays within the wire limit.
	records := 0
	for off := 0; off < len(wire); {
		recLen := int(wire[off]) | int(wire[off+1])<<8 | int(wire[off+2])<<16
		if recLen > MaxRecordLen {
			t.Fatalf("record %d too large: %d", records, recLen)
		}
		off += 3 + recLen
		records++
	}
	if records != wantRecords {
		t.Errorf("expected %d records, got %d", wantRecords, records)
	}

	msgs, err := b.ReceivedBytes(wire)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0].(*sv2.RequestTransactionDataSuccess)
	if len(got.TransactionList) != 1 || !bytes.Equal(got.TransactionList[0], big.TransactionList[0]) {
		t.Errorf("reassembled payload mismatch")
	}
}

func TestTransport_BackToBackMessages(t *testing.T) {
	a, b := testPair(t)

	for id := uint64(1); id <= 5; id++ {
		if err := a.SetMessageToSend(&sv2.RequestTransactionData{TemplateID: id}); err != nil {
			t.Fatalf("queue %d: %v", id, err)
		}
	}
	msgs, err := b.ReceivedBytes(a.BytesToSend())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if got := msg.(*sv2.RequestTransactionData).TemplateID; got != uint64(i+1) {
			t.Errorf("message %d out of order: id %d", i, got)
		}
	}
}

func TestTransport_UnknownTypeDropped(t *testing.T) {
	a, b := testPair(t)

	// Hand-build a frame with an unmapped type byte, then a valid message.
	unknown := []byte{0x00, 0x00, 0x5f, 0x02, 0x00, 0x00, 0xaa, 0xbb}
	if err := a.queue(unknown); err != nil {
		t.Fatalf("queue raw: %v", err)
	}
	if err := a.SetMessageToSend(&sv2.RequestTransactionData{TemplateID: 7}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	msgs, err := b.ReceivedBytes(a.BytesToSend())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected unknown message to be dropped, got %d messages", len(msgs))
	}
	if msgs[0].(*sv2.RequestTransactionData).TemplateID != 7 {
		t.Errorf("wrong surviving message: %+v", msgs[0])
	}
}

func TestTransport_TamperedRecord(t *testing.T) {
	a, b := testPair(t)

	if err := a.SetMessageToSend(&sv2.RequestTransactionData{TemplateID: 1}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	wire := a.BytesToSend()
	wire[len(wire)-1] ^= 0x01

	if _, err := b.ReceivedBytes(wire); err != ErrDecryptFailure {
		t.Fatalf("expected ErrDecryptFailure, got %v", err)
	}
}

func TestTransport_OversizedLengthPrefix(t *testing.T) {
	_, b := testPair(t)

	if _, err := b.ReceivedBytes([]byte{0xff, 0xff, 0xff}); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestTransport_RekeySurvivesManyRecords(t *testing.T) {
	a, b := testPair(t)

	// Cross the 2^16 record threshold; both sides must rekey in
	// lockstep with no in-band signal.
	const n = noise.RekeyRecordLimit + 5
	msg := &sv2.RequestTransactionData{TemplateID: 1}
	for i := 0; i < n; i++ {
		if err := a.SetMessageToSend(msg); err != nil {
			t.Fatalf("queue %d: %v", i, err)
		}
		msgs, err := b.ReceivedBytes(a.BytesToSend())
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if len(msgs) != 1 {
			t.Fatalf("record %d: expected 1 message, got %d", i, len(msgs))
		}
	}
}
