// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package protocol implements the byte-level BRC-721 OP_RETURN payload
// codec.  A payload is a fixed-prefix, versioned, opcode-dispatched byte
// string pushed as the single datum of an OP_RETURN output:
//
//	offset 0, size 3: protocol magic "BRC"
//	offset 3, size 1: version
//	offset 4, size 1: opcode
//	offset 5, size 1: flags (opcode specific)
//	offset 6, ......: opcode payload
//
// The decoder is total: any script that is not an OP_RETURN carrying
// exactly one well-formed payload push decodes to nothing.  Unknown
// versions and opcodes are inert rather than errors so that future
// protocol extensions do not poison old indexers.
package protocol

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/txscript"
)

const (
	// Version0 is the only payload version currently defined.
	Version0 = 0x00

	// OpRegisterCollection registers a new collection bound to an EVM
	// collection address on the LAOS chain.
	OpRegisterCollection = 0x00

	// flagRebaseable marks a registered collection as rebaseable.  All
	// remaining flag bits are reserved and must be zero.
	flagRebaseable = 0x01

	// registerCollectionLen is the exact payload length of a
	// RegisterCollection event: magic, version, opcode, flags and a
	// 20 byte EVM address.
	registerCollectionLen = 6 + EVMAddressLen

	// EVMAddressLen is the length of a LAOS EVM collection address.
	EVMAddressLen = 20
)

// payloadMagic is the protocol tag every payload starts with.
var payloadMagic = []byte("BRC")

// ErrInvalidEvent describes an event that cannot be encoded because one of
// its fields violates the payload grammar.
var ErrInvalidEvent = errors.New("invalid protocol event")

// Event is a decoded BRC-721 protocol event.  Future opcodes extend the set
// of implementations without changing the scanner's control flow.
type Event interface {
	// Opcode returns the payload opcode that produced the event.
	Opcode() byte
}

// RegisterCollection is the decoded form of an OpRegisterCollection
// payload.
type RegisterCollection struct {
	EVMAddress [EVMAddressLen]byte
	Rebaseable bool
}

// Opcode returns OpRegisterCollection.
func (e *RegisterCollection) Opcode() byte { return OpRegisterCollection }

// ParseScript decodes a transaction output script into a protocol event.
// The boolean return is false for every script that does not carry a
// well-formed payload: non-OP_RETURN scripts, bad magic, unknown versions
// or opcodes, reserved flag bits, short or trailing bytes, and malformed
// pushes all decode to nothing.
func ParseScript(pkScript []byte) (Event, bool) {
	payload, ok := extractPayload(pkScript)
	if !ok {
		return nil, false
	}
	return parsePayload(payload)
}

// extractPayload returns the single data push of an OP_RETURN script.  The
// script must consist of exactly OP_RETURN followed by one push.
func extractPayload(pkScript []byte) ([]byte, bool) {
	const scriptVersion = 0

	tokenizer := txscript.MakeScriptTokenizer(scriptVersion, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tokenizer.Next() {
		return nil, false
	}
	payload := tokenizer.Data()
	if payload == nil {
		// A small-integer opcode push (OP_0..OP_16) is not a valid
		// payload encoding.
		return nil, false
	}
	if tokenizer.Next() || tokenizer.Err() != nil || !tokenizer.Done() {
		return nil, false
	}
	return payload, true
}

// parsePayload dispatches a raw payload on its version and opcode bytes.
func parsePayload(payload []byte) (Event, bool) {
	if len(payload) < 5 || !bytes.Equal(payload[:3], payloadMagic) {
		return nil, false
	}
	if payload[3] != Version0 {
		return nil, false
	}

	switch payload[4] {
	case OpRegisterCollection:
		return parseRegisterCollection(payload)
	default:
		return nil, false
	}
}

func parseRegisterCollection(payload []byte) (Event, bool) {
	if len(payload) != registerCollectionLen {
		return nil, false
	}

	flags := payload[5]
	if flags&^byte(flagRebaseable) != 0 {
		return nil, false
	}

	event := &RegisterCollection{
		Rebaseable: flags&flagRebaseable != 0,
	}
	copy(event.EVMAddress[:], payload[6:])
	return event, true
}

// Script encodes an event into the OP_RETURN output script that ParseScript
// decodes it from.  Script is the left inverse of ParseScript.
func Script(event Event) ([]byte, error) {
	payload, err := encodePayload(event)
	if err != nil {
		return nil, err
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(payload).
		Script()
}

func encodePayload(event Event) ([]byte, error) {
	switch e := event.(type) {
	case *RegisterCollection:
		payload := make([]byte, 0, registerCollectionLen)
		payload = append(payload, payloadMagic...)
		payload = append(payload, Version0, OpRegisterCollection)
		var flags byte
		if e.Rebaseable {
			flags |= flagRebaseable
		}
		payload = append(payload, flags)
		payload = append(payload, e.EVMAddress[:]...)
		return payload, nil

	default:
		return nil, ErrInvalidEvent
	}
}
