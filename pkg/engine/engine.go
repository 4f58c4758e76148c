// Package engine implements symbolication.Engine on top of go-macho and go-dwarf.
package engine

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/symbolicator/internal/magic"
	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/google/uuid"
	perrors "github.com/pkg/errors"
)

// DefaultCacheSize is the number of parsed compile units kept per module.
const DefaultCacheSize = 128

// Config is the engine configuration.
type Config struct {
	// DsymPaths are searched for dSYMs and binaries by UUID.
	DsymPaths []string
	// Demangle Swift and C++ names.
	Demangle bool
	// CacheSize is the compile unit LRU size.
	CacheSize int
	// Platform of the crashed process, used to pick a universal binary slice
	// when no architecture is given.
	Platform string
}

type objectRef struct {
	path string
	arch string
}

// Engine owns every Mach-O file opened on behalf of its targets.
type Engine struct {
	conf *Config

	modules []*Module
	closers []io.Closer

	objects      map[uuid.UUID]objectRef
	objectsIndex bool

	closed bool
}

// New creates an engine. A nil conf uses the defaults.
func New(conf *Config) (*Engine, error) {
	if conf == nil {
		conf = &Config{}
	}
	if conf.CacheSize < 0 {
		return nil, perrors.Errorf("invalid cache size %d", conf.CacheSize)
	}
	platform, err := NormalizePlatform(conf.Platform)
	if err != nil {
		return nil, err
	}
	conf.Platform = platform
	for _, path := range conf.DsymPaths {
		if _, err := os.Stat(path); err != nil {
			return nil, perrors.Wrap(err, "invalid dSYM search path")
		}
	}
	return &Engine{
		conf:    conf,
		objects: make(map[uuid.UUID]objectRef),
	}, nil
}

// Close closes every file opened by the engine. Targets created by the engine
// must not be used afterwards.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for _, m := range e.modules {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.modules = nil
	e.closers = nil
	return errors.Join(errs...)
}

// CreateTarget creates a target whose first module is the binary at path.
func (e *Engine) CreateTarget(path, arch string) (symbolication.Target, error) {
	if e.closed {
		return nil, perrors.New("engine is closed")
	}
	m, err := e.module(path, arch)
	if err != nil {
		return nil, err
	}
	t := newTarget(e)
	t.add(m)
	return t, nil
}

// module returns the already opened module for path and arch or opens it.
func (e *Engine) module(path, arch string) (*Module, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, perrors.Wrapf(err, "failed to get absolute path of %s", path)
	}
	for _, m := range e.modules {
		if m.path == abs && (len(arch) == 0 || archIs(m.arch, arch)) {
			return m, nil
		}
	}
	m, err := newModule(e, abs, arch)
	if err != nil {
		return nil, err
	}
	e.modules = append(e.modules, m)
	return m, nil
}

func archIs(have, want string) bool {
	return strings.EqualFold(have, want)
}

// moduleForUUID returns an opened module with the given UUID, or opens the
// file found for it in the search paths.
func (e *Engine) moduleForUUID(id uuid.UUID) (*Module, error) {
	for _, m := range e.modules {
		if m.id == id {
			return m, nil
		}
	}
	ref, err := e.lookupObject(id)
	if err != nil {
		return nil, err
	}
	return e.module(ref.path, ref.arch)
}

func (e *Engine) lookupObject(id uuid.UUID) (objectRef, error) {
	if !e.objectsIndex {
		e.indexObjects()
	}
	ref, ok := e.objects[id]
	if !ok {
		return objectRef{}, perrors.Errorf("no binary or dSYM with UUID %s found in search paths", id)
	}
	return ref, nil
}

// indexObjects records the UUID of every Mach-O slice under the search paths.
func (e *Engine) indexObjects() {
	e.objectsIndex = true
	for _, root := range e.conf.DsymPaths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.WithError(err).WithField("path", path).Debug("Skipping")
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if ok, _ := magic.IsMachO(path); !ok {
				return nil
			}
			e.indexObject(path)
			return nil
		})
		if err != nil {
			log.WithError(err).WithField("path", root).Debug("Failed to index search path")
		}
	}
	log.WithField("count", len(e.objects)).Debug("Indexed search paths")
}

func (e *Engine) indexObject(path string) {
	fat, err := macho.OpenFat(path)
	if err != nil && err != macho.ErrNotFat {
		return
	}
	if err == macho.ErrNotFat {
		m, err := macho.Open(path)
		if err != nil {
			return
		}
		defer m.Close()
		e.addObject(fileUUID(m), objectRef{path: path, arch: archName(m.CPU, m.SubCPU)})
		return
	}
	defer fat.Close()
	for _, farch := range fat.Arches {
		e.addObject(fileUUID(farch.File), objectRef{path: path, arch: archName(farch.CPU, farch.SubCPU)})
	}
}

// addObject records ref for id. A dSYM wins over the binary it was built from.
func (e *Engine) addObject(id uuid.UUID, ref objectRef) {
	if id == uuid.Nil {
		return
	}
	if prev, ok := e.objects[id]; ok && isDsym(prev.path) && !isDsym(ref.path) {
		return
	}
	e.objects[id] = ref
}

func isDsym(path string) bool {
	return strings.Contains(path, ".dSYM"+string(filepath.Separator))
}

// openDsym opens the DWARF file at path and checks it matches id.
func (e *Engine) openDsym(path, arch string, id uuid.UUID) (*macho.File, error) {
	m, closer, err := openMachO(path, arch)
	if err != nil {
		return nil, err
	}
	if got := fileUUID(m); id != uuid.Nil && got != id {
		closer.Close()
		return nil, perrors.Errorf("%s has UUID %s, expected %s", path, got, id)
	}
	e.closers = append(e.closers, closer)
	return m, nil
}

// findDsym opens the file with UUID id from the search paths.
func (e *Engine) findDsym(id uuid.UUID) (*macho.File, error) {
	ref, err := e.lookupObject(id)
	if err != nil {
		return nil, err
	}
	return e.openDsym(ref.path, ref.arch, id)
}

// Locate finds the binary for img. A file at img.Path is used when its UUID
// matches, otherwise the search paths are consulted by UUID.
func (e *Engine) Locate(img *symbolication.Image) bool {
	if len(img.Path) > 0 {
		if _, err := os.Stat(img.Path); err == nil {
			if img.UUID == uuid.Nil {
				img.ResolvedPath = img.Path
				return true
			}
			if m, closer, err := openMachO(img.Path, img.Arch); err == nil {
				id := fileUUID(m)
				closer.Close()
				if id == img.UUID {
					img.ResolvedPath = img.Path
					return true
				}
				log.WithFields(log.Fields{
					"path":     img.Path,
					"uuid":     id,
					"expected": img.UUID,
				}).Debug("UUID mismatch")
			}
		}
	}
	if img.UUID == uuid.Nil {
		return false
	}
	ref, err := e.lookupObject(img.UUID)
	if err != nil {
		return false
	}
	img.ResolvedPath = ref.path
	if len(img.Arch) == 0 {
		img.Arch = ref.arch
	}
	return true
}
