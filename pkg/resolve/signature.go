// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package resolve

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Signature is a byte pattern identifying a function prologue. Positions
// that are not fixed are wildcards.
type Signature struct {
	pattern []byte
	fixed   []bool
}

// ParseSignature parses a space separated hex pattern such as
// "55 48 89 e5 ?? 8b". "??" matches any byte.
func ParseSignature(s string) (Signature, error) {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return Signature{}, fmt.Errorf("empty signature")
	}

	sig := Signature{
		pattern: make([]byte, len(tokens)),
		fixed:   make([]bool, len(tokens)),
	}
	anyFixed := false
	for i, tok := range tokens {
		if tok == "??" || tok == "?" {
			continue
		}
		b, err := hex.DecodeString(tok)
		if err != nil || len(b) != 1 {
			return Signature{}, fmt.Errorf("signature byte %d %q: not a hex byte", i, tok)
		}
		sig.pattern[i] = b[0]
		sig.fixed[i] = true
		anyFixed = true
	}
	if !anyFixed {
		return Signature{}, fmt.Errorf("signature %q has no fixed bytes", s)
	}
	return sig, nil
}

// MustParseSignature is ParseSignature that panics on error.
func MustParseSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

// Len returns the pattern length in bytes.
func (s Signature) Len() int { return len(s.pattern) }

func (s Signature) String() string {
	parts := make([]string, len(s.pattern))
	for i, b := range s.pattern {
		if s.fixed[i] {
			parts[i] = hex.EncodeToString([]byte{b})
		} else {
			parts[i] = "??"
		}
	}
	return strings.Join(parts, " ")
}

func (s Signature) matchAt(data []byte, off int) bool {
	if off+len(s.pattern) > len(data) {
		return false
	}
	for i, b := range s.pattern {
		if s.fixed[i] && data[off+i] != b {
			return false
		}
	}
	return true
}

// anchor returns the first fixed byte and its position in the pattern.
func (s Signature) anchor() (int, byte) {
	for i, f := range s.fixed {
		if f {
			return i, s.pattern[i]
		}
	}
	return 0, 0
}

// scan returns every offset in data where the signature matches.
func (s Signature) scan(data []byte) []int {
	if len(s.pattern) == 0 {
		return nil
	}
	pos, b := s.anchor()
	var hits []int
	for from := pos; from < len(data); {
		i := bytes.IndexByte(data[from:], b)
		if i < 0 {
			break
		}
		off := from + i - pos
		if s.matchAt(data, off) {
			hits = append(hits, off)
		}
		from += i + 1
	}
	return hits
}

// decodeMode returns the x86asm mode for the running architecture, or 0
// when candidates cannot be validated by instruction decoding.
func decodeMode() int {
	switch runtime.GOARCH {
	case "amd64":
		return 64
	case "386":
		return 32
	}
	return 0
}

// validInstructions reports whether code decodes as a run of whole
// instructions covering at least n bytes.
func validInstructions(mode int, code []byte, n int) bool {
	if mode == 0 {
		return true
	}
	cur := 0
	for cur < n {
		if cur >= len(code) {
			return false
		}
		d := code[cur:]
		inst, err := x86asm.Decode(d, mode)
		if err != nil || (inst.Opcode == 0 && inst.Len == 1 && inst.Prefix[0] == x86asm.Prefix(d[0])) {
			return false
		}
		cur += inst.Len
	}
	return true
}
