// Package symbolication turns load addresses into symbol names, source
// locations and inlined call chains using a debugger engine Target.
package symbolication

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"
)

// Symbolicator symbolicates addresses against a set of images. The target is
// created on first use and kept for the lifetime of the Symbolicator.
type Symbolicator struct {
	Engine Engine
	Images []*Image

	target Target
}

// NewSymbolicator creates a symbolicator that creates its target with engine.
func NewSymbolicator(engine Engine, images ...*Image) *Symbolicator {
	return &Symbolicator{
		Engine: engine,
		Images: images,
	}
}

// NewSymbolicatorWithTarget creates a symbolicator for an existing target.
func NewSymbolicatorWithTarget(target Target) *Symbolicator {
	return &Symbolicator{target: target}
}

// Target returns the current target or nil.
func (s *Symbolicator) Target() Target {
	return s.target
}

// FindImagesWithIdentifier returns all images with the given identifier.
func (s *Symbolicator) FindImagesWithIdentifier(identifier string) []*Image {
	var images []*Image
	for _, img := range s.Images {
		if img.Identifier == identifier {
			images = append(images, img)
		}
	}
	return images
}

// FindImageContainingLoadAddr returns the first image with a section containing addr.
func (s *Symbolicator) FindImageContainingLoadAddr(addr uint64) *Image {
	for _, img := range s.Images {
		if img.ContainsAddr(addr) {
			return img
		}
	}
	return nil
}

// CreateTarget returns the cached target or creates one from the first image
// that yields a target.
func (s *Symbolicator) CreateTarget() (Target, error) {
	if s.target != nil {
		return s.target, nil
	}
	if s.Engine == nil {
		return nil, ErrNoTarget
	}

	var errs []error
	for _, img := range s.Images {
		target, err := img.CreateTarget(s.Engine)
		if err != nil {
			log.WithField("image", img.GetResolvedPath()).Debug(err.Error())
			errs = append(errs, err)
			continue
		}
		s.target = target
		return s.target, nil
	}

	return nil, errors.Join(append([]error{ErrNoTarget}, errs...)...)
}

// LoadImages adds every image that is not already part of the target to it.
// Images that fail to load are skipped and their errors returned together.
func (s *Symbolicator) LoadImages(images ...*Image) error {
	target, err := s.CreateTarget()
	if err != nil {
		return err
	}
	if len(images) == 0 {
		images = s.Images
	}

	var errs []error
	for _, img := range images {
		if img.Module != nil {
			continue
		}
		if err := img.AddModule(target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", img.ResolvedPathBasename(), err))
		}
	}

	return errors.Join(errs...)
}

// Symbolicate resolves loadAddr into its frames. The first element is the
// innermost frame; every inlined frame is followed by the frame it was inlined
// into. Addresses outside of every loaded image return nil.
func (s *Symbolicator) Symbolicate(loadAddr uint64) []*ResolvedAddress {
	if s.target == nil {
		return nil
	}

	addr := NewResolvedAddress(s.target, loadAddr)
	if !addr.Symbolicate() {
		return nil
	}
	so, ok := addr.SectionAddress()
	if !ok {
		return nil
	}

	addrs := []*ResolvedAddress{addr}
	for {
		parentCtx, parentAddr, ok := addr.SymbolContext().ParentOfInlinedScope(so)
		if !ok || parentCtx == nil || !parentAddr.IsValid() {
			break
		}
		loadAddr, ok := s.target.LoadAddress(parentAddr)
		if !ok {
			break
		}
		addr = newInlinedParent(s.target, loadAddr, parentAddr, parentCtx)
		addr.Symbolicate()
		addrs = append(addrs, addr)
		so = parentAddr
	}

	return addrs
}

func (s *Symbolicator) String() string {
	var sb strings.Builder
	sb.WriteString("Symbolicator:\n")
	if s.target != nil {
		sb.WriteString("Target modules:\n")
		for _, m := range s.target.Modules() {
			fmt.Fprintf(&sb, "    %s %s (%s)\n", strings.ToUpper(m.UUID().String()), m.Path(), m.Arch())
		}
	}
	sb.WriteString("Images:\n")
	for _, img := range s.Images {
		fmt.Fprintf(&sb, "    %s\n", img)
	}
	return sb.String()
}
