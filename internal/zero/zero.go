// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero clears sensitive byte slices from memory.
package zero

// Bytes sets all bytes in the passed slice to zero.  This is used to
// explicitly clear passphrase material from memory after use.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
