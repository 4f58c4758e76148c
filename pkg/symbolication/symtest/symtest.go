// Package symtest provides an in-memory symbolication.Engine for tests.
package symtest

import (
	"fmt"

	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/google/uuid"
)

// Module is an in-memory module.
type Module struct {
	path     string
	arch     string
	id       uuid.UUID
	sections []*symbolication.ModuleSection
	funcs    []*Func
}

// NewModule creates an empty module.
func NewModule(path, arch string, id uuid.UUID) *Module {
	return &Module{path: path, arch: arch, id: id}
}

func (m *Module) Path() string    { return m.path }
func (m *Module) UUID() uuid.UUID { return m.id }
func (m *Module) Arch() string    { return m.arch }

func (m *Module) Sections() []*symbolication.ModuleSection {
	return m.sections
}

func (m *Module) FindSection(name string) *symbolication.ModuleSection {
	for _, s := range m.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// AddSection adds a section at fileAddr.
func (m *Module) AddSection(name string, fileAddr, size uint64) *symbolication.ModuleSection {
	s := &symbolication.ModuleSection{
		Module:   m.path,
		Name:     name,
		FileAddr: fileAddr,
		Size:     size,
	}
	m.sections = append(m.sections, s)
	return s
}

// Addr converts a file address into a section address (panics when unmapped).
func (m *Module) Addr(fileAddr uint64) symbolication.SectionAddress {
	for _, s := range m.sections {
		if s.ContainsFileAddr(fileAddr) {
			return symbolication.SectionAddress{Section: s, Offset: fileAddr - s.FileAddr}
		}
	}
	panic(fmt.Sprintf("symtest: %#x is not inside any section of %s", fileAddr, m.path))
}

// Range returns the address range [start, start+size).
func (m *Module) Range(start, size uint64) symbolication.AddressRange {
	return symbolication.AddressRange{Start: m.Addr(start), Size: size}
}

type line struct {
	rng   symbolication.AddressRange
	entry symbolication.LineEntry
}

// Func is a function (or a bare symbol) covering a range of a module.
type Func struct {
	module   *Module
	rng      symbolication.AddressRange
	function *symbolication.Function
	symbol   *symbolication.Symbol
	blocks   []*symbolication.Block
	lines    []line
}

// AddFunction adds a function with debug info.
func (m *Module) AddFunction(name string, start, size uint64) *Func {
	f := &Func{
		module:   m,
		rng:      m.Range(start, size),
		function: &symbolication.Function{Name: name, Start: m.Addr(start)},
	}
	f.blocks = append(f.blocks, &symbolication.Block{Ranges: []symbolication.AddressRange{f.rng}})
	m.funcs = append(m.funcs, f)
	return f
}

// AddSymbol adds a symbol without debug info.
func (m *Module) AddSymbol(name string, start, size uint64) *Func {
	f := &Func{
		module: m,
		rng:    m.Range(start, size),
		symbol: &symbolication.Symbol{Name: name, Start: m.Addr(start)},
	}
	m.funcs = append(m.funcs, f)
	return f
}

// Block returns the function's outermost block.
func (f *Func) Block() *symbolication.Block {
	if len(f.blocks) == 0 {
		return nil
	}
	return f.blocks[0]
}

// AddInlinedBlock adds a block for name inlined into parent at call.
func (f *Func) AddInlinedBlock(parent *symbolication.Block, name string, call symbolication.LineEntry, ranges ...[2]uint64) *symbolication.Block {
	blk := &symbolication.Block{
		Parent: parent,
		Inline: &symbolication.InlineInfo{Name: name, CallSite: call},
	}
	for _, r := range ranges {
		blk.Ranges = append(blk.Ranges, f.module.Range(r[0], r[1]))
	}
	f.blocks = append(f.blocks, blk)
	return blk
}

// AddLine maps [start, start+size) to a source location.
func (f *Func) AddLine(start, size uint64, file string, lineNum, column int) *Func {
	f.lines = append(f.lines, line{
		rng:   f.module.Range(start, size),
		entry: symbolication.LineEntry{File: file, Line: lineNum, Column: column},
	})
	return f
}

func depth(b *symbolication.Block) int {
	var d int
	for ; b != nil; b = b.Parent {
		d++
	}
	return d
}

func (f *Func) context(addr symbolication.SectionAddress) *symbolication.SymbolContext {
	sc := &symbolication.SymbolContext{
		Module:   f.module,
		Function: f.function,
		Symbol:   f.symbol,
	}
	for _, blk := range f.blocks {
		if _, ok := blk.RangeIndexForAddress(addr); !ok {
			continue
		}
		if sc.Block == nil || depth(blk) > depth(sc.Block) {
			sc.Block = blk
		}
	}
	for _, l := range f.lines {
		if l.rng.Contains(addr) {
			entry := l.entry
			sc.LineEntry = &entry
			break
		}
	}
	return sc
}

// Engine hands out targets over a fixed set of modules.
type Engine struct {
	modules []*Module
	closed  bool
}

// NewEngine creates an engine that knows about modules.
func NewEngine(modules ...*Module) *Engine {
	return &Engine{modules: modules}
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	return e.closed
}

func (e *Engine) Close() error {
	e.closed = true
	return nil
}

func (e *Engine) CreateTarget(path, arch string) (symbolication.Target, error) {
	t := &Target{
		available: e.modules,
		loads:     make(map[*symbolication.ModuleSection]uint64),
	}
	if _, err := t.AddModule(path, arch, uuid.Nil); err != nil {
		return nil, err
	}
	return t, nil
}

// Target is an in-memory target.
type Target struct {
	available []*Module
	modules   []*Module
	loads     map[*symbolication.ModuleSection]uint64
}

// NewTarget creates a target with modules already added.
func NewTarget(modules ...*Module) *Target {
	return &Target{
		available: modules,
		modules:   modules,
		loads:     make(map[*symbolication.ModuleSection]uint64),
	}
}

func (t *Target) Modules() []symbolication.Module {
	mods := make([]symbolication.Module, 0, len(t.modules))
	for _, m := range t.modules {
		mods = append(mods, m)
	}
	return mods
}

func (t *Target) FindModule(path string) symbolication.Module {
	for _, m := range t.modules {
		if m.path == path {
			return m
		}
	}
	return nil
}

func (t *Target) AddModule(path, arch string, id uuid.UUID) (symbolication.Module, error) {
	for _, m := range t.available {
		if len(path) == 0 && (id == uuid.Nil || m.id != id) {
			continue
		}
		if len(path) > 0 && m.path != path {
			continue
		}
		if len(arch) > 0 && len(m.arch) > 0 && arch != m.arch {
			continue
		}
		if !t.has(m) {
			t.modules = append(t.modules, m)
		}
		return m, nil
	}
	return nil, fmt.Errorf("symtest: no module for path=%q uuid=%s", path, id)
}

func (t *Target) has(m *Module) bool {
	for _, mod := range t.modules {
		if mod == m {
			return true
		}
	}
	return false
}

func (t *Target) owns(sect *symbolication.ModuleSection) bool {
	for _, m := range t.modules {
		for _, s := range m.sections {
			if s == sect {
				return true
			}
		}
	}
	return false
}

func (t *Target) SetSectionLoadAddress(sect *symbolication.ModuleSection, addr uint64) error {
	if !t.owns(sect) {
		return fmt.Errorf("symtest: section %s does not belong to the target", sect.Name)
	}
	t.loads[sect] = addr
	return nil
}

func (t *Target) SetModuleLoadAddress(m symbolication.Module, slide int64) error {
	for _, s := range m.Sections() {
		if err := t.SetSectionLoadAddress(s, uint64(int64(s.FileAddr)+slide)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Target) ResolveLoadAddress(addr uint64) (symbolication.SectionAddress, bool) {
	for _, m := range t.modules {
		for _, s := range m.sections {
			base := s.FileAddr
			if len(t.loads) > 0 {
				load, ok := t.loads[s]
				if !ok {
					continue
				}
				base = load
			}
			if base <= addr && addr < base+s.Size {
				return symbolication.SectionAddress{Section: s, Offset: addr - base}, true
			}
		}
	}
	return symbolication.SectionAddress{}, false
}

func (t *Target) LoadAddress(addr symbolication.SectionAddress) (uint64, bool) {
	if !addr.IsValid() {
		return 0, false
	}
	if len(t.loads) == 0 {
		return addr.FileAddress(), true
	}
	load, ok := t.loads[addr.Section]
	if !ok {
		return 0, false
	}
	return load + addr.Offset, true
}

func (t *Target) ResolveSymbolContext(addr symbolication.SectionAddress) *symbolication.SymbolContext {
	for _, m := range t.modules {
		if !m.ownsSection(addr.Section) {
			continue
		}
		for _, f := range m.funcs {
			if f.rng.Contains(addr) {
				return f.context(addr)
			}
		}
		return &symbolication.SymbolContext{Module: m}
	}
	return &symbolication.SymbolContext{}
}

func (m *Module) ownsSection(sect *symbolication.ModuleSection) bool {
	for _, s := range m.sections {
		if s == sect {
			return true
		}
	}
	return false
}
