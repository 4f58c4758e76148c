package engine

import (
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Target maps module sections to load addresses. Until a load address is set
// every address is its own file address.
type Target struct {
	e       *Engine
	modules []*Module
	loads   map[*symbolication.ModuleSection]uint64
	owners  map[*symbolication.ModuleSection]*Module
}

func newTarget(e *Engine) *Target {
	return &Target{
		e:      e,
		loads:  make(map[*symbolication.ModuleSection]uint64),
		owners: make(map[*symbolication.ModuleSection]*Module),
	}
}

func (t *Target) add(m *Module) {
	for _, have := range t.modules {
		if have == m {
			return
		}
	}
	t.modules = append(t.modules, m)
	for _, sect := range m.sections {
		t.owners[sect] = m
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
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, m := range t.modules {
		if m.path == abs || m.path == path {
			return m
		}
	}
	return nil
}

// AddModule adds the module identified by id, falling back to the binary at
// path. The binary must match id when both are given.
func (t *Target) AddModule(path, arch string, id uuid.UUID) (symbolication.Module, error) {
	if id != uuid.Nil {
		for _, m := range t.modules {
			if m.id == id {
				return m, nil
			}
		}
		if m, err := t.e.moduleForUUID(id); err == nil {
			t.add(m)
			return m, nil
		} else if len(path) == 0 {
			return nil, err
		}
	}
	if len(path) == 0 {
		return nil, errors.New("module path and UUID are both empty")
	}

	m, err := t.e.module(path, arch)
	if err != nil {
		return nil, err
	}
	if id != uuid.Nil && m.id != id {
		return nil, errors.Errorf("%s has UUID %s, expected %s", path, m.id, id)
	}
	t.add(m)
	return m, nil
}

func (t *Target) SetSectionLoadAddress(sect *symbolication.ModuleSection, addr uint64) error {
	if sect == nil {
		return errors.New("nil section")
	}
	if _, ok := t.owners[sect]; !ok {
		return errors.Errorf("section %s is not part of this target", sect.Name)
	}
	t.loads[sect] = addr
	log.WithFields(log.Fields{
		"module":  filepath.Base(sect.Module),
		"section": sect.Name,
		"addr":    addr,
	}).Debug("Set section load address")
	return nil
}

// SetModuleLoadAddress slides every segment of m by slide.
func (t *Target) SetModuleLoadAddress(mod symbolication.Module, slide int64) error {
	m, ok := mod.(*Module)
	if !ok || m == nil {
		return errors.New("not a Mach-O module")
	}
	found := false
	for _, have := range t.modules {
		if have == m {
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("module %s is not part of this target", m.path)
	}
	for _, seg := range m.segments {
		t.loads[seg] = uint64(int64(seg.FileAddr) + slide)
	}
	return nil
}

// ResolveLoadAddress returns addr relative to the segment it was loaded in.
// The smallest loaded section containing addr wins.
func (t *Target) ResolveLoadAddress(addr uint64) (symbolication.SectionAddress, bool) {
	if len(t.loads) == 0 {
		for _, m := range t.modules {
			if so, ok := m.sectionAddress(addr); ok {
				return so, true
			}
		}
		return symbolication.SectionAddress{}, false
	}

	var best *symbolication.ModuleSection
	var bestLoad uint64
	for sect, load := range t.loads {
		if addr < load || addr-load >= sect.Size {
			continue
		}
		// ties go to the lower load address
		if best == nil || sect.Size < best.Size || (sect.Size == best.Size && load < bestLoad) {
			best, bestLoad = sect, load
		}
	}
	if best == nil {
		return symbolication.SectionAddress{}, false
	}
	return t.owners[best].sectionAddress(best.FileAddr + (addr - bestLoad))
}

// LoadAddress returns where addr was loaded. Addresses in sections without a
// load address use any loaded section of the same module covering them.
func (t *Target) LoadAddress(addr symbolication.SectionAddress) (uint64, bool) {
	if !addr.IsValid() {
		return 0, false
	}
	if len(t.loads) == 0 {
		return addr.FileAddress(), true
	}
	if load, ok := t.loads[addr.Section]; ok {
		return load + addr.Offset, true
	}
	m, ok := t.owners[addr.Section]
	if !ok {
		return 0, false
	}
	file := addr.FileAddress()
	for _, sect := range m.sections {
		if load, ok := t.loads[sect]; ok && sect.ContainsFileAddr(file) {
			return load + (file - sect.FileAddr), true
		}
	}
	return 0, false
}

func (t *Target) ResolveSymbolContext(addr symbolication.SectionAddress) *symbolication.SymbolContext {
	m, ok := t.owners[addr.Section]
	if !ok {
		return &symbolication.SymbolContext{}
	}
	return m.symbolContext(addr)
}
