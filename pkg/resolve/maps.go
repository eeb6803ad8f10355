// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package resolve

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Mapping is one executable region of a process address space.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Offset uint64
	File   string
}

// Size returns the mapping length in bytes.
func (m Mapping) Size() uintptr { return m.End - m.Start }

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uintptr) bool { return addr >= m.Start && addr < m.End }

// FileBacked reports whether the mapping comes from a regular file rather
// than an anonymous or pseudo region such as [vdso].
func (m Mapping) FileBacked() bool {
	return m.File != "" && !strings.HasPrefix(m.File, "[")
}

// Memory is the read-only view of a target address space.
type Memory interface {
	// Mappings lists the executable mappings.
	Mappings() ([]Mapping, error)
	// ReadAt copies mapped bytes starting at addr into p.
	ReadAt(p []byte, addr uintptr) (int, error)
}

// procMemory reads a live process through procfs.
type procMemory struct {
	pid int
}

// ProcMemory returns the Memory of process pid. A pid of 0 is the
// calling process.
func ProcMemory(pid int) Memory {
	return &procMemory{pid: pid}
}

func (p *procMemory) dir() string {
	if p.pid == 0 {
		return "/proc/self"
	}
	return fmt.Sprintf("/proc/%d", p.pid)
}

func (p *procMemory) Mappings() ([]Mapping, error) {
	f, err := os.Open(filepath.Join(p.dir(), "maps"))
	if err != nil {
		return nil, fmt.Errorf("open maps: %w", err)
	}
	defer f.Close()
	return readMaps(f)
}

func (p *procMemory) ReadAt(buf []byte, addr uintptr) (int, error) {
	fd, err := unix.Open(filepath.Join(p.dir(), "mem"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("open mem: %w", err)
	}
	defer unix.Close(fd)

	total := 0
	for total < len(buf) {
		n, err := unix.Pread(fd, buf[total:], int64(addr)+int64(total))
		if err != nil {
			return total, fmt.Errorf("read mem at 0x%x: %w", addr+uintptr(total), err)
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

func readMaps(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if m, ok := parseMapsLine(scanner.Text()); ok {
			mappings = append(mappings, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan maps: %w", err)
	}
	return mappings, nil
}

// parseMapsLine parses a line from /proc/pid/maps.
// Format: start-end perms offset dev inode pathname
func parseMapsLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}

	// Only care about executable mappings
	if len(fields[1]) < 3 || fields[1][2] != 'x' {
		return Mapping{}, false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Mapping{}, false
	}

	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil || end <= start {
		return Mapping{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false
	}

	file := ""
	if len(fields) >= 6 {
		file = fields[5]
	}

	return Mapping{
		Start:  uintptr(start),
		End:    uintptr(end),
		Offset: offset,
		File:   file,
	}, true
}

// module groups the executable mappings of one file.
type module struct {
	path     string
	mappings []Mapping
}

func (m module) base() string { return filepath.Base(m.path) }

// groupModules collects file-backed mappings per file, in address order of
// first appearance.
func groupModules(mappings []Mapping) []module {
	var mods []module
	index := make(map[string]int)
	for _, m := range mappings {
		if !m.FileBacked() {
			continue
		}
		i, ok := index[m.File]
		if !ok {
			i = len(mods)
			index[m.File] = i
			mods = append(mods, module{path: m.File})
		}
		mods[i].mappings = append(mods[i].mappings, m)
	}
	return mods
}

// matches reports whether the module is named by sel, either by full
// path or base name.
func (m module) matches(sel string) bool {
	return sel == "" || sel == m.path || sel == m.base()
}
