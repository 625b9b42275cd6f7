// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// validPayload returns the raw 26 byte payload of a RegisterCollection
// event with every address byte set to addrByte.
func validPayload(flags byte, addrByte byte) []byte {
	payload := []byte{'B', 'R', 'C', Version0, OpRegisterCollection, flags}
	for i := 0; i < EVMAddressLen; i++ {
		payload = append(payload, addrByte)
	}
	return payload
}

// opReturnScript wraps a payload in an OP_RETURN script the way the encoder
// does.
func opReturnScript(t *testing.T, payload []byte) []byte {
	t.Helper()

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(payload).
		Script()
	require.NoError(t, err)
	return script
}

// TestScriptParseRoundTrip asserts that ParseScript is a left inverse of
// Script for every valid event.
func TestScriptParseRoundTrip(t *testing.T) {
	t.Parallel()

	events := []*RegisterCollection{
		{Rebaseable: false},
		{Rebaseable: true},
		{
			EVMAddress: [EVMAddressLen]byte{
				0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa,
				0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa,
				0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa,
			},
			Rebaseable: true,
		},
	}

	for _, event := range events {
		script, err := Script(event)
		require.NoError(t, err)

		decoded, ok := ParseScript(script)
		require.True(t, ok)
		require.Equal(t, event, decoded)
	}
}

// TestParseScriptLiteralBytes decodes the exact byte sequence used by the
// protocol documentation: magic "BRC", version 0, opcode 0, flags 1 and a
// 20 byte 0xaa address.
func TestParseScriptLiteralBytes(t *testing.T) {
	t.Parallel()

	payload := validPayload(0x01, 0xaa)
	require.Len(t, payload, 26)

	event, ok := ParseScript(opReturnScript(t, payload))
	require.True(t, ok)

	rc, ok := event.(*RegisterCollection)
	require.True(t, ok)
	require.True(t, rc.Rebaseable)
	require.Equal(t, bytes.Repeat([]byte{0xaa}, EVMAddressLen),
		rc.EVMAddress[:])
}

// TestParseScriptRejections asserts the rejection closure of the decoder:
// every byte string outside the grammar decodes to nothing.
func TestParseScriptRejections(t *testing.T) {
	t.Parallel()

	p2pkhScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(bytes.Repeat([]byte{0x01}, 20)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)

	doublePush, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(validPayload(0x00, 0x11)).
		AddData([]byte{0x01}).
		Script()
	require.NoError(t, err)

	bareOpReturn := []byte{txscript.OP_RETURN}

	smallIntPush := []byte{txscript.OP_RETURN, txscript.OP_1}

	tests := []struct {
		name   string
		script []byte
	}{{
		name:   "not an op_return",
		script: p2pkhScript,
	}, {
		name:   "bare op_return",
		script: bareOpReturn,
	}, {
		name:   "small int push",
		script: smallIntPush,
	}, {
		name:   "two pushes",
		script: doublePush,
	}, {
		name:   "wrong magic",
		script: opReturnScript(t, append([]byte{'X', 'R', 'C'}, validPayload(0, 0)[3:]...)),
	}, {
		name:   "unknown version",
		script: opReturnScript(t, append([]byte{'B', 'R', 'C', 0x01}, validPayload(0, 0)[4:]...)),
	}, {
		name:   "unknown opcode",
		script: opReturnScript(t, append([]byte{'B', 'R', 'C', Version0, 0x01}, validPayload(0, 0)[5:]...)),
	}, {
		name:   "reserved flag bit",
		script: opReturnScript(t, validPayload(0x02, 0xaa)),
	}, {
		name:   "both flag bits",
		script: opReturnScript(t, validPayload(0x03, 0xaa)),
	}, {
		name:   "trailing byte",
		script: opReturnScript(t, append(validPayload(0x01, 0xaa), 0x00)),
	}, {
		name:   "truncated address",
		script: opReturnScript(t, validPayload(0x01, 0xaa)[:25]),
	}, {
		name:   "magic only",
		script: opReturnScript(t, []byte{'B', 'R', 'C'}),
	}, {
		name:   "empty push",
		script: opReturnScript(t, nil),
	}, {
		name:   "malformed push header",
		script: []byte{txscript.OP_RETURN, txscript.OP_PUSHDATA1},
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			event, ok := ParseScript(test.script)
			require.False(t, ok)
			require.Nil(t, event)
		})
	}
}

// TestScriptRejectsUnknownEvent asserts the encoder refuses event types it
// does not know how to serialize.
func TestScriptRejectsUnknownEvent(t *testing.T) {
	t.Parallel()

	_, err := Script(nil)
	require.ErrorIs(t, err, ErrInvalidEvent)
}
