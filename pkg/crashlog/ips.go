package crashlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// REFERENCES:
//     - https://developer.apple.com/documentation/xcode/interpreting-the-json-format-of-a-crash-report

type Platform int

const (
	PlatformMacOS            Platform = 1
	PlatformIOS              Platform = 2 // (includes iOS apps running under macOS on Apple silicon)
	PlatformTVOS             Platform = 3
	PlatformWatch            Platform = 4
	PlatformMacCatalyst      Platform = 6
	PlatformIOSSimulator     Platform = 7
	PlatformTVOSSimulator    Platform = 8
	PlatformWatchOSSimulator Platform = 9
)

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformIOS:
		return "iOS"
	case PlatformTVOS:
		return "tvOS"
	case PlatformWatch:
		return "watchOS"
	case PlatformMacCatalyst:
		return "macCatalyst"
	case PlatformIOSSimulator:
		return "iOS Simulator"
	case PlatformTVOSSimulator:
		return "tvOS Simulator"
	case PlatformWatchOSSimulator:
		return "watchOS Simulator"
	default:
		return fmt.Sprintf("Platform(%d)", p)
	}
}

type IpsMetadata struct {
	Name         string   `json:"name,omitempty"`
	AppName      string   `json:"app_name,omitempty"`
	AppVersion   string   `json:"app_version,omitempty"`
	BugType      string   `json:"bug_type,omitempty"`
	OsVersion    string   `json:"os_version,omitempty"`
	BundleID     string   `json:"bundleID,omitempty"`
	BuildVersion string   `json:"build_version,omitempty"`
	IncidentID   string   `json:"incident_id,omitempty"`
	Platform     Platform `json:"platform,omitempty"`
	SliceUUID    string   `json:"slice_uuid,omitempty"`
}

var ipsOSVersionRE = regexp.MustCompile(`(?P<version>[0-9.]+) \((?P<build>\w+)\)$`)

func (m IpsMetadata) Version() string {
	matches := ipsOSVersionRE.FindStringSubmatch(m.OsVersion)
	if len(matches) != 3 {
		return m.OsVersion
	}
	return matches[1]
}

func (m IpsMetadata) Build() string {
	matches := ipsOSVersionRE.FindStringSubmatch(m.OsVersion)
	if len(matches) != 3 {
		return m.OsVersion
	}
	return matches[2]
}

type BundleInfo struct {
	CFBundleIdentifier         string `json:"CFBundleIdentifier,omitempty"`
	CFBundleShortVersionString string `json:"CFBundleShortVersionString,omitempty"`
	CFBundleVersion            string `json:"CFBundleVersion,omitempty"`
}

type Exception struct {
	Codes   string `json:"codes,omitempty"`
	Message string `json:"message,omitempty"`
	Signal  string `json:"signal,omitempty"`
	Type    string `json:"type,omitempty"`
	Subtype string `json:"subtype,omitempty"`
}

type Register struct {
	Value uint64 `json:"value,omitempty"`
}

type ThreadState struct {
	PC  Register   `json:"pc"`
	LR  Register   `json:"lr"`
	SP  Register   `json:"sp"`
	FP  Register   `json:"fp"`
	X   []Register `json:"x,omitempty"`
	Rip Register   `json:"rip"`
	Rsp Register   `json:"rsp"`
	Rbp Register   `json:"rbp"`
}

type UserThread struct {
	Frames      []IpsFrame  `json:"frames,omitempty"`
	ID          int         `json:"id,omitempty"`
	Name        string      `json:"name,omitempty"`
	Queue       string      `json:"queue,omitempty"`
	ThreadState ThreadState `json:"threadState"`
	Triggered   bool        `json:"triggered,omitempty"`
}

type IpsFrame struct {
	ImageIndex     uint64 `json:"imageIndex"`
	ImageOffset    uint64 `json:"imageOffset"`
	Symbol         string `json:"symbol,omitempty"`
	SymbolLocation uint64 `json:"symbolLocation,omitempty"`
}

type UsedImage struct {
	Arch   string `json:"arch,omitempty"`
	Base   uint64 `json:"base,omitempty"`
	Name   string `json:"name,omitempty"`
	Path   string `json:"path,omitempty"`
	Size   uint64 `json:"size,omitempty"`
	Source string `json:"source,omitempty"`
	UUID   string `json:"uuid,omitempty"`
}

type IPSPayload struct {
	ProcName       string       `json:"procName,omitempty"`
	ProcPath       string       `json:"procPath,omitempty"`
	PID            int          `json:"pid,omitempty"`
	CPUType        string       `json:"cpuType,omitempty"`
	ModelCode      string       `json:"modelCode,omitempty"`
	BundleInfo     BundleInfo   `json:"bundleInfo"`
	Exception      Exception    `json:"exception"`
	FaultingThread int          `json:"faultingThread,omitempty"`
	Threads        []UserThread `json:"threads,omitempty"`
	UsedImages     []UsedImage  `json:"usedImages,omitempty"`
	Termination    struct {
		Indicator string `json:"indicator,omitempty"`
	} `json:"termination"`
}

// parseIPS converts a JSON crash report (header line followed by the payload).
func parseIPS(data []byte) (*CrashLog, error) {
	var hdr IpsMetadata
	var payload IPSPayload

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("failed to decode JSON header (possibly unsupported .ips format): %w", err)
	}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode JSON payload: %w", err)
	}
	if len(payload.UsedImages) == 0 && len(payload.Threads) == 0 {
		return nil, fmt.Errorf("unsupported .ips bug type %s (no threads or images)", hdr.BugType)
	}

	crash := &CrashLog{
		Process:           payload.ProcName,
		PID:               payload.PID,
		Path:              payload.ProcPath,
		Identifier:        payload.BundleInfo.CFBundleIdentifier,
		Version:           payload.BundleInfo.CFBundleShortVersionString,
		CodeType:          payload.CPUType,
		HardwareModel:     payload.ModelCode,
		OSVersion:         hdr.Version(),
		OSBuild:           hdr.Build(),
		ExceptionType:     payload.Exception.Type,
		ExceptionCodes:    payload.Exception.Codes,
		TerminationSignal: payload.Exception.Signal,
		TerminationReason: payload.Termination.Indicator,
		CrashedThread:     payload.FaultingThread,
	}
	if hdr.Platform != 0 {
		crash.Platform = hdr.Platform.String()
	}
	if len(payload.Exception.Subtype) > 0 {
		crash.ExceptionSubtype = append(crash.ExceptionSubtype, payload.Exception.Subtype)
	}

	// frames refer to images by index so keep every entry, even unnamed ones
	images := make([]*Image, len(payload.UsedImages))
	for idx, ui := range payload.UsedImages {
		img := &Image{
			Name:  ui.Name,
			Arch:  ui.Arch,
			Path:  ui.Path,
			Start: ui.Base,
			End:   ui.Base + ui.Size,
			Main:  ui.Source == "P" && strings.HasPrefix(ui.Path, payload.ProcPath),
		}
		if len(img.Name) == 0 && len(img.Path) > 0 {
			img.Name = img.Path[strings.LastIndex(img.Path, "/")+1:]
		}
		if len(ui.UUID) > 0 {
			id, err := uuid.Parse(ui.UUID)
			if err != nil {
				return nil, fmt.Errorf("invalid image UUID %q: %w", ui.UUID, err)
			}
			img.UUID = id
		}
		images[idx] = img
		if ui.Size > 0 && len(ui.Path) > 0 {
			crash.Images = append(crash.Images, img)
		}
	}

	for num, ut := range payload.Threads {
		t := &Thread{
			Number:  num,
			Name:    ut.Name,
			Crashed: ut.Triggered,
		}
		if len(t.Name) == 0 && len(ut.Queue) > 0 {
			t.Name = "Dispatch queue: " + ut.Queue
		}
		if ut.Triggered {
			crash.CrashedThread = num
			t.State = ut.ThreadState.state()
		}
		for idx, f := range ut.Frames {
			frame := &Frame{Index: idx, Symbol: f.Symbol}
			if f.ImageIndex < uint64(len(images)) {
				img := images[f.ImageIndex]
				frame.Image = img
				frame.ImageName = img.Name
				frame.Address = img.Start + f.ImageOffset
			}
			if len(f.Symbol) > 0 && f.SymbolLocation > 0 {
				frame.Symbol = fmt.Sprintf("%s + %d", f.Symbol, f.SymbolLocation)
			}
			t.Frames = append(t.Frames, frame)
		}
		crash.Threads = append(crash.Threads, t)
	}

	return crash, nil
}

func (s ThreadState) state() State {
	st := make(State)
	for idx, reg := range s.X {
		st[fmt.Sprintf("x%d", idx)] = reg.Value
	}
	st["pc"] = s.PC.Value
	st["lr"] = s.LR.Value
	st["sp"] = s.SP.Value
	st["fp"] = s.FP.Value
	if s.Rip.Value != 0 {
		st["rip"] = s.Rip.Value
		st["rsp"] = s.Rsp.Value
		st["rbp"] = s.Rbp.Value
	}
	return st
}
