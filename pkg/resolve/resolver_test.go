// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package resolve

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMemory serves one anonymous executable region.
type fakeMemory struct {
	base uintptr
	data []byte
}

func (f *fakeMemory) Mappings() ([]Mapping, error) {
	return []Mapping{{Start: f.base, End: f.base + uintptr(len(f.data)), File: "[anon:test]"}}, nil
}

func (f *fakeMemory) ReadAt(p []byte, addr uintptr) (int, error) {
	off := int(addr - f.base)
	return copy(p, f.data[off:]), nil
}

//go:noinline
func resolveTarget(a, b int) int {
	return a*31 + b
}

func TestParseMapsLine(t *testing.T) {
	tests := []struct {
		line   string
		ok     bool
		start  uintptr
		end    uintptr
		offset uint64
		file   string
	}{
		{"00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon", true, 0x400000, 0x452000, 0, "/usr/bin/dbus-daemon"},
		{"7f2c4a1e2000-7f2c4a3a5000 r-xp 00028000 08:02 135522 /usr/lib/libc.so.6", true, 0x7f2c4a1e2000, 0x7f2c4a3a5000, 0x28000, "/usr/lib/libc.so.6"},
		{"7ffd1a5f1000-7ffd1a5f3000 r-xp 00000000 00:00 0 [vdso]", true, 0x7ffd1a5f1000, 0x7ffd1a5f3000, 0, "[vdso]"},
		{"7f2c4a000000-7f2c4a021000 rw-p 00000000 00:00 0", false, 0, 0, 0, ""},
		{"garbage", false, 0, 0, 0, ""},
		{"zz-10 r-xp 0 0 0", false, 0, 0, 0, ""},
	}
	for _, tt := range tests {
		m, ok := parseMapsLine(tt.line)
		if ok != tt.ok {
			t.Errorf("parseMapsLine(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if m.Start != tt.start || m.End != tt.end || m.Offset != tt.offset || m.File != tt.file {
			t.Errorf("parseMapsLine(%q) = %+v", tt.line, m)
		}
	}
}

func TestGroupModulesSkipsPseudoMappings(t *testing.T) {
	mods := groupModules([]Mapping{
		{Start: 0x1000, End: 0x2000, File: "/lib/a.so"},
		{Start: 0x3000, End: 0x4000, File: "[vdso]"},
		{Start: 0x5000, End: 0x6000, File: ""},
		{Start: 0x7000, End: 0x8000, File: "/lib/a.so", Offset: 0x6000},
		{Start: 0x9000, End: 0xa000, File: "/lib/b.so"},
	})
	require.Len(t, mods, 2)
	assert.Equal(t, "/lib/a.so", mods[0].path)
	assert.Len(t, mods[0].mappings, 2)
	assert.True(t, mods[1].matches("b.so"))
	assert.True(t, mods[1].matches("/lib/b.so"))
	assert.False(t, mods[1].matches("a.so"))
}

func TestParseSignature(t *testing.T) {
	sig, err := ParseSignature("55 48 ?? e5")
	require.NoError(t, err)
	assert.Equal(t, 4, sig.Len())
	assert.Equal(t, "55 48 ?? e5", sig.String())

	for _, bad := range []string{"", "?? ??", "5", "zz", "123"} {
		_, err := ParseSignature(bad)
		assert.Error(t, err, "pattern %q", bad)
	}
}

func TestSignatureScanWildcards(t *testing.T) {
	sig := MustParseSignature("ab ?? cd")
	data := []byte{0xab, 0x00, 0xcd, 0xab, 0xff, 0xcd, 0xab, 0xcd, 0x00, 0xab, 0x01}
	assert.Equal(t, []int{0, 3}, sig.scan(data))

	lead := MustParseSignature("?? 01")
	assert.Equal(t, []int{9}, lead.scan(data))
}

func TestValidInstructions(t *testing.T) {
	if decodeMode() == 0 {
		t.Skip("instruction validation is x86 only")
	}
	// push rbp; mov rbp, rsp
	prologue := []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}
	assert.True(t, validInstructions(decodeMode(), prologue, 4))
	// truncated mov
	assert.False(t, validInstructions(decodeMode(), []byte{0x55, 0x48, 0x89}, 3))
}

func TestResolveUnknownNameIsEmpty(t *testing.T) {
	r, err := New(0, zap.NewNop(), WithMemory(&fakeMemory{base: 0x1000, data: make([]byte, 64)}))
	require.NoError(t, err)

	handles, err := r.Resolve(context.Background(), "definitely_not_a_symbol")
	require.NoError(t, err)
	assert.Empty(t, handles)

	_, err = Unique(handles)
	assert.ErrorIs(t, err, ErrResolutionEmpty)

	_, err = r.ResolveUnique(context.Background(), "definitely_not_a_symbol")
	assert.ErrorIs(t, err, ErrResolutionEmpty)
}

func TestResolveSignatureAmbiguous(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("fixture encodes amd64 prologues")
	}
	data := make([]byte, 64)
	prologue := []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}
	copy(data[8:], prologue)
	copy(data[40:], prologue)
	mem := &fakeMemory{base: 0x10000, data: data}

	r, err := New(0, zap.NewNop(), WithMemory(mem))
	require.NoError(t, err)
	r.RegisterSignature("static_helper", MustParseSignature("55 48 89 e5"))

	handles, err := r.Resolve(context.Background(), "static_helper")
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, uintptr(0x10008), handles[0].Addr)
	assert.Equal(t, uintptr(0x10028), handles[1].Addr)
	for _, h := range handles {
		assert.Equal(t, StrategySignature, h.Strategy)
	}

	_, err = Unique(handles)
	assert.ErrorIs(t, err, ErrResolutionAmbiguous)
	var amb *AmbiguousError
	require.True(t, errors.As(err, &amb))
	assert.Len(t, amb.Candidates, 2)
}

func TestUniqueCollapsesSameAddress(t *testing.T) {
	h, err := Unique([]Handle{
		{Addr: 0x1234, Name: "open", Strategy: StrategySymbol},
		{Addr: 0x1234, Name: "open", Exported: true, Strategy: StrategyExport},
		{Addr: 0, Name: "open", Strategy: StrategySignature},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategySymbol, h.Strategy)
}

func TestHandleOf(t *testing.T) {
	h := HandleOf(resolveTarget)
	assert.True(t, h.Valid())
	assert.True(t, strings.HasSuffix(h.Name, "resolve.resolveTarget"), h.Name)

	assert.False(t, HandleOf(42).Valid())
	var nilFn func()
	assert.False(t, HandleOf(nilFn).Valid())
}

func TestResolveSelfSymbol(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs only")
	}
	want := HandleOf(resolveTarget)
	assert.Equal(t, 1496, resolveTarget(48, 8))

	r, err := New(0, zap.NewNop())
	require.NoError(t, err)

	handles, err := r.Resolve(context.Background(), want.Name)
	require.NoError(t, err)
	if len(handles) == 0 {
		t.Skip("test binary has no .symtab")
	}
	h, err := Unique(handles)
	require.NoError(t, err)
	assert.Equal(t, want.Addr, h.Addr)
	assert.Equal(t, StrategySymbol, h.Strategy)

	assert.Equal(t, want.Name, r.Symbolize(context.Background(), want.Addr))
}
