// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package resolve

import (
	"debug/elf"
	"fmt"
	"sort"
)

type elfSym struct {
	Value uint64
	Size  uint64
	Name  string
}

// symbolTable is the parsed function symbols of one ELF file.
type symbolTable struct {
	kind   elf.Type
	loads  []elf.ProgHeader
	symtab map[string][]elfSym // .symtab functions; local statics may repeat
	dynsym map[string]elfSym   // exported .dynsym functions
	sorted []elfSym          // union, sorted by value for reverse lookup
}

func loadSymbolTable(path string) (*symbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	t := &symbolTable{
		kind:   f.Type,
		symtab: make(map[string][]elfSym),
		dynsym: make(map[string]elfSym),
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			t.loads = append(t.loads, p.ProgHeader)
		}
	}

	// Read .symtab. Stripped binaries have none, which is not an error.
	if symbols, err := f.Symbols(); err == nil {
		for _, s := range symbols {
			if s.Value == 0 || s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			t.symtab[s.Name] = appendSym(t.symtab[s.Name], elfSym{Value: s.Value, Size: s.Size, Name: s.Name})
		}
	}

	// Read .dynsym
	if dynSyms, err := f.DynamicSymbols(); err == nil {
		for _, s := range dynSyms {
			if s.Value == 0 || s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			bind := elf.ST_BIND(s.Info)
			if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
				continue
			}
			if s.Section == elf.SHN_UNDEF {
				continue
			}
			t.dynsym[s.Name] = elfSym{Value: s.Value, Size: s.Size, Name: s.Name}
		}
	}

	for _, syms := range t.symtab {
		t.sorted = append(t.sorted, syms...)
	}
	for name, s := range t.dynsym {
		if _, ok := t.symtab[name]; !ok {
			t.sorted = append(t.sorted, s)
		}
	}
	// Sort by address for binary search
	sort.Slice(t.sorted, func(i, j int) bool {
		return t.sorted[i].Value < t.sorted[j].Value
	})

	return t, nil
}

// appendSym adds s unless a symbol with the same value is already listed.
// Aliases at one address are one function; distinct values are distinct
// definitions and are all kept.
func appendSym(syms []elfSym, s elfSym) []elfSym {
	for _, o := range syms {
		if o.Value == s.Value {
			return syms
		}
	}
	return append(syms, s)
}

// lookup returns the definitions of name for a strategy.
func (t *symbolTable) lookup(name string, strategy Strategy) []elfSym {
	if strategy == StrategyExport {
		if s, ok := t.dynsym[name]; ok {
			return []elfSym{s}
		}
		return nil
	}
	return t.symtab[name]
}

// runtimeAddr converts a symbol value into an address inside one of the
// module's mappings. ET_EXEC values are already absolute; ET_DYN values are
// rebased through the PT_LOAD segment that contains them.
func (t *symbolTable) runtimeAddr(mappings []Mapping, value uint64) (uintptr, bool) {
	if t.kind == elf.ET_EXEC {
		addr := uintptr(value)
		for _, m := range mappings {
			if m.Contains(addr) {
				return addr, true
			}
		}
		return 0, false
	}

	for _, p := range t.loads {
		if value < p.Vaddr || value >= p.Vaddr+p.Memsz {
			continue
		}
		fileOff := value - p.Vaddr + p.Off
		for _, m := range mappings {
			if fileOff >= m.Offset && fileOff < m.Offset+uint64(m.Size()) {
				return m.Start + uintptr(fileOff-m.Offset), true
			}
		}
	}
	return 0, false
}

// symbolValue is the inverse of runtimeAddr.
func (t *symbolTable) symbolValue(m Mapping, addr uintptr) (uint64, bool) {
	if t.kind == elf.ET_EXEC {
		return uint64(addr), true
	}
	fileOff := uint64(addr-m.Start) + m.Offset
	for _, p := range t.loads {
		if fileOff >= p.Off && fileOff < p.Off+p.Filesz {
			return fileOff - p.Off + p.Vaddr, true
		}
	}
	return 0, false
}

// findSymbol does a binary search for the function containing value.
func findSymbol(symbols []elfSym, value uint64) (elfSym, bool) {
	if len(symbols) == 0 {
		return elfSym{}, false
	}

	// Binary search for the last symbol with Value <= value
	idx := sort.Search(len(symbols), func(i int) bool {
		return symbols[i].Value > value
	})

	if idx == 0 {
		return elfSym{}, false
	}

	sym := symbols[idx-1]
	// If the symbol has a size, check that value falls within it
	if sym.Size > 0 && value >= sym.Value+sym.Size {
		return elfSym{}, false
	}

	return sym, true
}
