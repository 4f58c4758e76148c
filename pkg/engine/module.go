package engine

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/blacktop/symbolicator/pkg/symbols"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Module is a Mach-O image, or one slice of a universal binary.
type Module struct {
	path string
	arch string
	id   uuid.UUID

	file   *macho.File
	closer io.Closer

	segments []*symbolication.ModuleSection
	sections []*symbolication.ModuleSection

	conf *Config
	e    *Engine

	syms     symtab
	symsRead bool

	dbg     *debugInfo
	dbgRead bool
}

// archName returns the short architecture name used by Xcode and crash reports.
func archName(cpu types.CPU, sub types.CPUSubtype) string {
	switch cpu {
	case types.CPUArm64:
		if sub&0xff == types.CPUSubtypeArm64E {
			return "arm64e"
		}
		return "arm64"
	case types.CPUAmd64:
		if sub&0xff == types.CPUSubtypeX86_64H {
			return "x86_64h"
		}
		return "x86_64"
	case types.CPUArm6432:
		return "arm64_32"
	case types.CPUI386:
		return "i386"
	case types.CPUArm:
		switch sub {
		case types.CPUSubtypeArmV7S:
			return "armv7s"
		case types.CPUSubtypeArmV7K:
			return "armv7k"
		case types.CPUSubtypeArmV7:
			return "armv7"
		}
		return "arm"
	}
	return strings.ToLower(cpu.String())
}

func archMatches(want string, cpu types.CPU, sub types.CPUSubtype) bool {
	if strings.EqualFold(want, archName(cpu, sub)) {
		return true
	}
	return strings.EqualFold(want, sub.String(cpu))
}

// openMachO opens path and picks the slice matching arch from universal
// binaries. An empty arch picks the first slice matching prefer, else the
// first slice.
func openMachO(path, arch string, prefer ...string) (*macho.File, io.Closer, error) {
	fat, err := macho.OpenFat(path)
	if err != nil && err != macho.ErrNotFat {
		return nil, nil, errors.Wrapf(err, "failed to open %s", path)
	}
	if err == macho.ErrNotFat {
		m, err := macho.Open(path)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to open %s", path)
		}
		if len(arch) > 0 && !archMatches(arch, m.CPU, m.SubCPU) {
			m.Close()
			return nil, nil, errors.Errorf("%s is %s, not %s", path, archName(m.CPU, m.SubCPU), arch)
		}
		return m, m, nil
	}

	if len(arch) == 0 {
		for _, want := range prefer {
			for _, farch := range fat.Arches {
				if archMatches(want, farch.CPU, farch.SubCPU) {
					return farch.File, fat, nil
				}
			}
		}
		return fat.Arches[0].File, fat, nil
	}
	var archs []string
	for _, farch := range fat.Arches {
		if archMatches(arch, farch.CPU, farch.SubCPU) {
			return farch.File, fat, nil
		}
		archs = append(archs, archName(farch.CPU, farch.SubCPU))
	}
	fat.Close()
	return nil, nil, errors.Errorf("--arch '%s' not found in: %s", arch, strings.Join(archs, ", "))
}

func fileUUID(m *macho.File) uuid.UUID {
	if lc := m.UUID(); lc != nil {
		if id, err := uuid.Parse(lc.UUID.String()); err == nil {
			return id
		}
	}
	return uuid.Nil
}

func newModule(e *Engine, path, arch string) (*Module, error) {
	m, closer, err := openMachO(path, arch, platformArchs(e.conf.Platform)...)
	if err != nil {
		return nil, err
	}

	mod := &Module{
		path:   path,
		arch:   archName(m.CPU, m.SubCPU),
		id:     fileUUID(m),
		file:   m,
		closer: closer,
		conf:   e.conf,
		e:      e,
	}

	for _, seg := range m.Segments() {
		if seg.Memsz == 0 || seg.Name == "__PAGEZERO" {
			continue
		}
		mod.segments = append(mod.segments, &symbolication.ModuleSection{
			Module:   path,
			Name:     seg.Name,
			FileAddr: seg.Addr,
			Size:     seg.Memsz,
		})
	}
	sort.Slice(mod.segments, func(i, j int) bool {
		return mod.segments[i].FileAddr < mod.segments[j].FileAddr
	})
	mod.sections = append(mod.sections, mod.segments...)
	for _, sec := range m.Sections {
		if sec.Size == 0 {
			continue
		}
		mod.sections = append(mod.sections, &symbolication.ModuleSection{
			Module:   path,
			Name:     sec.Seg + "." + sec.Name,
			FileAddr: sec.Addr,
			Size:     sec.Size,
		})
	}

	log.WithFields(log.Fields{
		"path":     path,
		"arch":     mod.arch,
		"uuid":     mod.id,
		"segments": len(mod.segments),
	}).Debug("Opened module")

	return mod, nil
}

func (m *Module) Path() string    { return m.path }
func (m *Module) UUID() uuid.UUID { return m.id }
func (m *Module) Arch() string    { return m.arch }

// Sections returns the segments followed by their sections, named SEG.sect.
func (m *Module) Sections() []*symbolication.ModuleSection {
	return m.sections
}

// FindSection looks up a segment (__TEXT) or section (__TEXT.__text) by name.
// A bare section name (__text) matches when it is unambiguous.
func (m *Module) FindSection(name string) *symbolication.ModuleSection {
	for _, sect := range m.sections {
		if sect.Name == name {
			return sect
		}
	}
	var found *symbolication.ModuleSection
	for _, sect := range m.sections[len(m.segments):] {
		if _, sname, ok := strings.Cut(sect.Name, "."); ok && sname == name {
			if found != nil {
				return nil
			}
			found = sect
		}
	}
	return found
}

// sectionAddress expresses a file address relative to its segment.
func (m *Module) sectionAddress(addr uint64) (symbolication.SectionAddress, bool) {
	idx := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].FileAddr+m.segments[i].Size > addr
	})
	if idx < len(m.segments) && m.segments[idx].ContainsFileAddr(addr) {
		seg := m.segments[idx]
		return symbolication.SectionAddress{Section: seg, Offset: addr - seg.FileAddr}, true
	}
	return symbolication.SectionAddress{}, false
}

func (m *Module) segmentEnd(addr uint64) uint64 {
	if so, ok := m.sectionAddress(addr); ok {
		return so.Section.FileAddr + so.Section.Size
	}
	return 0
}

func (m *Module) symbols() symtab {
	if m.symsRead {
		return m.syms
	}
	m.symsRead = true

	var syms []symbol
	if m.file.Symtab != nil {
		for _, sym := range m.file.Symtab.Syms {
			if sym.Type.IsDebugSym() || !sym.Type.IsDefinedInSection() || sym.Sect == 0 {
				continue
			}
			syms = append(syms, symbol{Name: sym.Name, Start: sym.Value})
		}
	}
	m.syms = newSymtab(syms, m.file.GetFunctions(), m.segmentEnd)

	log.WithFields(log.Fields{
		"path":    m.path,
		"symbols": len(m.syms),
	}).Debug("Parsed symbol table")

	return m.syms
}

// dsymCandidates lists the DWARF files that may belong to the module.
func (m *Module) dsymCandidates() []string {
	base := filepath.Base(m.path)
	candidates := []string{
		filepath.Join(m.path+".dSYM", "Contents", "Resources", "DWARF", base),
	}
	// bundles keep their dSYM next to the .app/.framework directory
	if dir := filepath.Dir(m.path); strings.HasSuffix(dir, ".app") || strings.HasSuffix(dir, ".framework") {
		candidates = append(candidates, filepath.Join(dir+".dSYM", "Contents", "Resources", "DWARF", base))
	}
	return candidates
}

func (m *Module) debugInfo() *debugInfo {
	if m.dbgRead {
		return m.dbg
	}
	m.dbgRead = true

	data, err := m.file.DWARF()
	if err != nil {
		for _, candidate := range m.dsymCandidates() {
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if dsym, err := m.e.openDsym(candidate, m.arch, m.id); err == nil {
				data, err = dsym.DWARF()
				if err == nil {
					break
				}
			}
		}
	}
	if data == nil && m.id != uuid.Nil {
		if dsym, err := m.e.findDsym(m.id); err == nil {
			data, _ = dsym.DWARF()
		}
	}
	if data == nil {
		log.WithField("path", m.path).Debug("No debug info found")
		return nil
	}

	dbg, err := newDebugInfo(data, m.conf.CacheSize, m.conf.Demangle)
	if err != nil {
		log.WithError(err).WithField("path", m.path).Warn("Failed to parse debug info")
		return nil
	}
	m.dbg = dbg
	return m.dbg
}

func (m *Module) addressRanges(ranges [][2]uint64) []symbolication.AddressRange {
	out := make([]symbolication.AddressRange, 0, len(ranges))
	for _, rng := range ranges {
		if start, ok := m.sectionAddress(rng[0]); ok && rng[1] > rng[0] {
			out = append(out, symbolication.AddressRange{Start: start, Size: rng[1] - rng[0]})
		}
	}
	return out
}

func (m *Module) symbolContext(addr symbolication.SectionAddress) *symbolication.SymbolContext {
	pc := addr.FileAddress()
	sc := &symbolication.SymbolContext{Module: m}

	if sym, ok := m.symbols().Lookup(pc); ok {
		if start, ok := m.sectionAddress(sym.Start); ok {
			sc.Symbol = &symbolication.Symbol{
				Name:  symbols.DisplayName(sym.Name, m.conf.Demangle),
				Start: start,
			}
		}
	}

	dbg := m.debugInfo()
	if dbg == nil {
		return sc
	}
	fr, err := dbg.lookup(pc)
	if err != nil {
		log.WithError(err).WithField("addr", pc).Debug("Failed to read debug info")
		return sc
	}
	if fr == nil {
		return sc
	}
	sc.LineEntry = fr.line

	if fr.ranges == nil {
		return sc
	}
	start, ok := m.sectionAddress(fr.lowPC)
	if !ok {
		return sc
	}
	name := fr.function
	if len(name) == 0 && sc.Symbol != nil {
		name = sc.Symbol.Name
	}
	sc.Function = &symbolication.Function{Name: name, Start: start}

	block := &symbolication.Block{Ranges: m.addressRanges(fr.ranges)}
	for _, b := range fr.blocks {
		block = &symbolication.Block{
			Ranges: m.addressRanges(b.ranges),
			Inline: b.inline,
			Parent: block,
		}
	}
	sc.Block = block

	return sc
}

func (m *Module) Close() error {
	if m.closer == nil {
		return nil
	}
	err := m.closer.Close()
	m.closer = nil
	return err
}
