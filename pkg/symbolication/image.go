package symbolication

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// Image is an executable image and where its sections were loaded.
type Image struct {
	Path         string
	ResolvedPath string
	UUID         uuid.UUID
	Identifier   string
	Version      string
	Arch         string
	SectionInfos []*SectionInfo
	Slide        *int64
	Module       Module

	// Locate is called before the image is added by path and may fill in
	// ResolvedPath. Returning false means the image could not be found.
	Locate func(*Image) bool
}

// NewImage creates an image for path.
func NewImage(path string, id uuid.UUID) *Image {
	return &Image{
		Path: path,
		UUID: id,
	}
}

// AddSection appends a section load range.
func (i *Image) AddSection(s *SectionInfo) {
	i.SectionInfos = append(i.SectionInfos, s)
}

// SetSlide makes the whole module load at its preferred address plus slide.
func (i *Image) SetSlide(slide int64) {
	i.Slide = &slide
}

// SectionContainingLoadAddr returns the section info that contains addr or nil.
func (i *Image) SectionContainingLoadAddr(addr uint64) *SectionInfo {
	for _, si := range i.SectionInfos {
		if si.Contains(addr) {
			return si
		}
	}
	return nil
}

// ContainsAddr reports whether any section info of the image contains addr.
func (i *Image) ContainsAddr(addr uint64) bool {
	return i.SectionContainingLoadAddr(addr) != nil
}

// GetResolvedPath returns ResolvedPath falling back to Path.
func (i *Image) GetResolvedPath() string {
	if len(i.ResolvedPath) > 0 {
		return i.ResolvedPath
	}
	return i.Path
}

// ResolvedPathBasename returns the file name of the resolved path.
func (i *Image) ResolvedPathBasename() string {
	if p := i.GetResolvedPath(); len(p) > 0 {
		return filepath.Base(p)
	}
	return ""
}

// HasSectionLoadInfo reports whether the image knows where it was loaded.
func (i *Image) HasSectionLoadInfo() bool {
	return len(i.SectionInfos) > 0 || i.Slide != nil
}

// GetUUID returns the image UUID, taking it from the module when unset.
func (i *Image) GetUUID() uuid.UUID {
	if i.UUID == uuid.Nil && i.Module != nil {
		i.UUID = i.Module.UUID()
	}
	return i.UUID
}

func (i *Image) locate() bool {
	if i.Locate == nil {
		return true
	}
	return i.Locate(i)
}

// LoadModule sets the load addresses of the image's module in target using
// either the section infos or the slide.
func (i *Image) LoadModule(target Target) error {
	if !i.HasSectionLoadInfo() {
		return ErrNoSectionInfos
	}
	if target == nil {
		return ErrInvalidTarget
	}
	if i.Module == nil {
		return ErrInvalidModule
	}

	if len(i.SectionInfos) == 0 {
		if err := target.SetModuleLoadAddress(i.Module, *i.Slide); err != nil {
			return fmt.Errorf("failed to slide %s by %#x: %w", i.GetResolvedPath(), *i.Slide, err)
		}
		return nil
	}

	var loaded int
	for _, si := range i.SectionInfos {
		if len(si.Name) == 0 {
			return &SectionLookupError{Path: i.GetResolvedPath()}
		}
		sect := i.Module.FindSection(si.Name)
		if sect == nil {
			return &SectionLookupError{Name: si.Name, Path: i.GetResolvedPath()}
		}
		if err := target.SetSectionLoadAddress(sect, si.Start); err != nil {
			return fmt.Errorf("failed to set load address of %s to %#x: %w", si.Name, si.Start, err)
		}
		loaded++
	}
	if loaded == 0 {
		return ErrNoSectionsLoaded
	}

	return nil
}

// AddModule adds the image to target, by UUID first so paths need not match,
// then by path. The module is loaded when the image has load information.
func (i *Image) AddModule(target Target) error {
	if target == nil {
		return ErrInvalidTarget
	}

	if i.UUID != uuid.Nil {
		if m, err := target.AddModule("", "", i.UUID); err == nil {
			i.Module = m
		} else {
			log.WithField("uuid", i.UUID).Debugf("module not found by uuid: %v", err)
		}
	}
	if i.Module == nil && i.locate() {
		m, err := target.AddModule(i.GetResolvedPath(), i.Arch, i.UUID)
		if err != nil {
			return fmt.Errorf("unable to get module for (%s) %q: %w", i.Arch, i.GetResolvedPath(), err)
		}
		i.Module = m
	}
	if i.Module == nil {
		return fmt.Errorf("unable to get module for (%s) %q", i.Arch, i.GetResolvedPath())
	}

	if i.HasSectionLoadInfo() {
		return i.LoadModule(target)
	}

	return nil
}

// CreateTarget creates a target with this image as its main executable.
func (i *Image) CreateTarget(engine Engine) (Target, error) {
	if !i.locate() {
		return nil, fmt.Errorf("unable to locate main executable (%s) %q", i.Arch, i.Path)
	}

	target, err := engine.CreateTarget(i.GetResolvedPath(), i.Arch)
	if err != nil {
		return nil, fmt.Errorf("unable to create a valid target for (%s) %q: %w", i.Arch, i.Path, err)
	}

	i.Module = target.FindModule(i.GetResolvedPath())
	if i.HasSectionLoadInfo() {
		if err := i.LoadModule(target); err != nil {
			log.WithField("image", i.GetResolvedPath()).Errorf("failed to load module: %v", err)
		}
	}

	return target, nil
}

func (i *Image) String() string {
	var sb strings.Builder
	if id := i.GetUUID(); id != uuid.Nil {
		sb.WriteString(strings.ToUpper(id.String()))
	} else {
		sb.WriteString("<no uuid>")
	}
	sb.WriteString(" ")
	sb.WriteString(i.GetResolvedPath())
	for _, si := range i.SectionInfos {
		sb.WriteString(", ")
		sb.WriteString(si.String())
	}
	if i.Slide != nil {
		fmt.Fprintf(&sb, ", slide = %#x", *i.Slide)
	}
	return sb.String()
}
