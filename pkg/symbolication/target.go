package symbolication

import (
	"fmt"

	"github.com/google/uuid"
)

// Engine creates targets. Whoever constructs an Engine owns its lifetime and
// must Close it once every Target it created is no longer used.
type Engine interface {
	CreateTarget(path, arch string) (Target, error)
	Close() error
}

// Target is a set of modules with section load addresses that addresses are
// resolved against.
type Target interface {
	// ResolveLoadAddress translates a load address into a section relative address.
	ResolveLoadAddress(addr uint64) (SectionAddress, bool)
	// LoadAddress translates a section relative address back into a load address.
	LoadAddress(addr SectionAddress) (uint64, bool)
	// ResolveSymbolContext returns everything known about addr.
	ResolveSymbolContext(addr SectionAddress) *SymbolContext

	// AddModule adds a module to the target. An empty path looks the module up by id only.
	AddModule(path, arch string, id uuid.UUID) (Module, error)
	FindModule(path string) Module
	Modules() []Module

	SetSectionLoadAddress(sect *ModuleSection, addr uint64) error
	SetModuleLoadAddress(m Module, slide int64) error
}

// Module is a single object file loaded into a Target.
type Module interface {
	Path() string
	UUID() uuid.UUID
	Arch() string
	// FindSection returns the section with the given name or nil.
	FindSection(name string) *ModuleSection
	Sections() []*ModuleSection
}

// ModuleSection is a section of a Module at its preferred (file) address.
type ModuleSection struct {
	Module   string
	Name     string
	FileAddr uint64
	Size     uint64
}

// ContainsFileAddr reports whether addr lies inside the section's file address range.
func (s *ModuleSection) ContainsFileAddr(addr uint64) bool {
	return s.FileAddr <= addr && addr < s.FileAddr+s.Size
}

func (s *ModuleSection) String() string {
	return fmt.Sprintf("[%#016x-%#016x) %s", s.FileAddr, s.FileAddr+s.Size, s.Name)
}

// SectionAddress is an address expressed as an offset into a ModuleSection.
// The zero value is invalid.
type SectionAddress struct {
	Section *ModuleSection
	Offset  uint64
}

// IsValid reports whether the address refers to a section.
func (a SectionAddress) IsValid() bool {
	return a.Section != nil
}

// FileAddress returns the unslid address.
func (a SectionAddress) FileAddress() uint64 {
	if a.Section == nil {
		return a.Offset
	}
	return a.Section.FileAddr + a.Offset
}

func (a SectionAddress) String() string {
	if a.Section == nil {
		return "<invalid>"
	}
	return fmt.Sprintf("%s + %d", a.Section.Name, a.Offset)
}

// AddressRange is a half open range of addresses that starts at Start.
type AddressRange struct {
	Start SectionAddress
	Size  uint64
}

// Contains reports whether addr is inside the range.
func (r AddressRange) Contains(addr SectionAddress) bool {
	start := r.Start.FileAddress()
	file := addr.FileAddress()
	return start <= file && file < start+r.Size
}
