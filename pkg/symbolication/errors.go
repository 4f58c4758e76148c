package symbolication

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget is returned when an operation needs a target and got nil
	ErrInvalidTarget = errors.New("invalid target")
	// ErrInvalidModule is returned when an image has not been added to a target yet
	ErrInvalidModule = errors.New("invalid module")
	// ErrNoSectionInfos is returned when loading an image without sections or slide
	ErrNoSectionInfos = errors.New("no section infos")
	// ErrNoSectionsLoaded is returned when none of an image's sections could be loaded
	ErrNoSectionsLoaded = errors.New("no sections were successfully loaded")
	// ErrNoTarget is returned when none of the images produced a target
	ErrNoTarget = errors.New("no target")
)

// SectionLookupError is returned when a module has no section with the requested name.
type SectionLookupError struct {
	Name string
	Path string
}

func (e *SectionLookupError) Error() string {
	if len(e.Name) == 0 {
		return fmt.Sprintf("unable to find unnamed section in %q", e.Path)
	}
	return fmt.Sprintf("unable to find the section named %q", e.Name)
}
