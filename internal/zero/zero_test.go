// Copyright (c) 2025 The brc721d developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package zero

import (
	"bytes"
	"testing"
)

func TestBytes(t *testing.T) {
	b := []byte("correct horse battery staple")
	Bytes(b)
	if !bytes.Equal(b, make([]byte, len(b))) {
		t.Fatalf("slice not zeroed: %x", b)
	}

	// Zero length and nil slices are no-ops.
	Bytes(nil)
	Bytes([]byte{})
}
