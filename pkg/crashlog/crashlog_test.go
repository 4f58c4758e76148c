package crashlog

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const textCrash = `Incident Identifier: 9B4B6A1F-5C5E-4C0E-8F3B-6E0F2E8A1B2C
Hardware Model:      iPhone14,2
Process:             MyApp [4242]
Path:                /private/var/containers/Bundle/Application/0D4C/MyApp.app/MyApp
Identifier:          com.example.MyApp
Version:             1.2 (7)
Code Type:           ARM-64 (Native)
Role:                Foreground

OS Version:          iPhone OS 15.0 (19A346)
Release Type:        User
Report Version:      104

Exception Type:  EXC_BAD_ACCESS (SIGSEGV)
Exception Subtype: KERN_INVALID_ADDRESS at 0x0000000000000010
Exception Codes: 0x0000000000000001, 0x0000000000000010
Termination Reason: SIGNAL 11 Segmentation fault: 11
Triggered by Thread:  0

Thread 0 name:  Dispatch queue: com.apple.main-thread
Thread 0 Crashed:
0   MyApp                         	0x0000000100b64f3c 0x100b60000 + 20284
1   MyApp                         	0x0000000100b64e10 main + 52 (main.m:14)
2   libdyld.dylib                 	0x00000001b1a6b1c8 start + 4

Thread 1:
0   libsystem_kernel.dylib        	0x00000001b8f1e9e8 __workq_kernreturn + 8

Thread 0 crashed with ARM Thread State (64-bit):
    x0: 0x0000000000000000   x1: 0x0000000000000010   x2: 0x0000000000000002   x3: 0x0000000000000003
    fp: 0x000000016f2a1b20   lr: 0x0000000100b64e10
    sp: 0x000000016f2a1b00   pc: 0x0000000100b64f3c cpsr: 0x60000000

Binary Images:
       0x100b60000 -        0x100b6bfff MyApp arm64  <6b1c0c7f2d7b3e5a9e1f0123456789ab> /private/var/containers/Bundle/Application/0D4C/MyApp.app/MyApp
       0x1b1a6a000 -        0x1b1a9ffff libdyld.dylib arm64e  <0a1b2c3d4e5f60718293a4b5c6d7e8f9> /usr/lib/system/libdyld.dylib
       0x1b8f1d000 -        0x1b8f4ffff libsystem_kernel.dylib arm64e  <1a1b2c3d4e5f60718293a4b5c6d7e8f9> /usr/lib/system/libsystem_kernel.dylib
       0x1b9000000 -        0x1b900ffff libunused.dylib arm64e  <2a1b2c3d4e5f60718293a4b5c6d7e8f9> /usr/lib/libunused.dylib

EOF
`

func TestParseText(t *testing.T) {
	crash, err := Parse(strings.NewReader(textCrash))
	require.NoError(t, err)

	assert.Equal(t, 104, crash.ReportVersion)
	assert.Equal(t, "MyApp", crash.Process)
	assert.Equal(t, 4242, crash.PID)
	assert.Equal(t, "com.example.MyApp", crash.Identifier)
	assert.Equal(t, "1.2 (7)", crash.Version)
	assert.Equal(t, "ARM-64 (Native)", crash.CodeType)
	assert.Equal(t, "iPhone14,2", crash.HardwareModel)
	assert.Equal(t, "15.0", crash.OSVersion)
	assert.Equal(t, "19A346", crash.OSBuild)
	assert.Equal(t, "EXC_BAD_ACCESS (SIGSEGV)", crash.ExceptionType)
	assert.Equal(t, []string{"KERN_INVALID_ADDRESS at 0x0000000000000010"}, crash.ExceptionSubtype)
	assert.Equal(t, 0, crash.CrashedThread)

	require.Len(t, crash.Images, 4)
	app := crash.Images[0]
	assert.Equal(t, "MyApp", app.Name)
	assert.Equal(t, "arm64", app.Arch)
	assert.Equal(t, uuid.MustParse("6b1c0c7f-2d7b-3e5a-9e1f-0123456789ab"), app.UUID)
	assert.Equal(t, uint64(0x100b60000), app.Start)
	assert.Equal(t, uint64(0x100b6c000), app.End)
	assert.Equal(t, "/private/var/containers/Bundle/Application/0D4C/MyApp.app/MyApp", app.Path)

	require.Len(t, crash.Threads, 2)
	crashed := crash.Crashed()
	require.NotNil(t, crashed)
	assert.True(t, crashed.Crashed)
	assert.Equal(t, "Dispatch queue: com.apple.main-thread", crashed.Name)
	require.Len(t, crashed.Frames, 3)
	assert.Equal(t, uint64(0x100b64f3c), crashed.Frames[0].Address)
	assert.Same(t, app, crashed.Frames[0].Image)
	assert.Equal(t, "main + 52 (main.m:14)", crashed.Frames[1].Symbol)
	assert.Equal(t, "libdyld.dylib", crashed.Frames[2].Image.Name)

	require.NotNil(t, crashed.State)
	assert.Equal(t, uint64(0x100b64f3c), crashed.State["pc"])
	assert.Equal(t, uint64(0x100b64e10), crashed.State["lr"])
	assert.Equal(t, uint64(0x10), crashed.State["x1"])

	assert.Len(t, crash.Threads[1].Frames, 1)
	assert.Nil(t, crash.Threads[1].State)
}

func TestParseMacOSImages(t *testing.T) {
	crash, err := Parse(strings.NewReader(`Process:               MyApp [99]
Crashed Thread:        0

Thread 0 Crashed:
0   com.example.MyApp             	0x0000000104c3e000 0x104c3c000 + 8192

Binary Images:
       0x104c3c000 -        0x104c3ffff +com.example.MyApp (1.0 - 1) <6B1C0C7F-2D7B-3E5A-9E1F-0123456789AB> /Applications/MyApp.app/Contents/MacOS/MyApp
`))
	require.NoError(t, err)

	require.Len(t, crash.Images, 1)
	img := crash.Images[0]
	assert.True(t, img.Main)
	assert.Equal(t, "com.example.MyApp", img.Name)
	assert.Equal(t, "1.0 - 1", img.Version)
	assert.Empty(t, img.Arch)
	assert.Equal(t, "/Applications/MyApp.app/Contents/MacOS/MyApp", img.Path)
	assert.Same(t, img, crash.Threads[0].Frames[0].Image)
}

func TestSymbolicationImages(t *testing.T) {
	crash, err := Parse(strings.NewReader(textCrash))
	require.NoError(t, err)

	used := crash.SymbolicationImages(false)
	require.Len(t, used, 3)
	assert.Equal(t, "MyApp", used[0].Identifier)
	require.Len(t, used[0].SectionInfos, 1)
	si := used[0].SectionInfos[0]
	assert.Equal(t, "__TEXT", si.Name)
	assert.Equal(t, uint64(0x100b60000), si.Start)
	require.NotNil(t, si.End)
	assert.Equal(t, uint64(0x100b6c000), *si.End)
	assert.True(t, used[0].ContainsAddr(0x100b64f3c))

	assert.Len(t, crash.SymbolicationImages(true), 4)
}

func TestParseIPS(t *testing.T) {
	ips := `{"app_name":"MyApp","bug_type":"309","os_version":"iPhone OS 17.1 (21B74)","platform":2}
{
  "procName" : "MyApp",
  "procPath" : "/private/var/containers/Bundle/Application/0D4C/MyApp.app/MyApp",
  "pid" : 4242,
  "cpuType" : "ARM-64",
  "modelCode" : "iPhone15,3",
  "bundleInfo" : {"CFBundleIdentifier":"com.example.MyApp","CFBundleShortVersionString":"2.0"},
  "exception" : {"type":"EXC_CRASH","signal":"SIGABRT","codes":"0x0000000000000000, 0x0000000000000000"},
  "faultingThread" : 0,
  "threads" : [
    {"triggered":true,"id":1,"queue":"com.apple.main-thread","threadState":{"pc":{"value":4306915132},"lr":{"value":4306914832},"x":[{"value":0},{"value":16}]},
     "frames":[{"imageOffset":20284,"imageIndex":0},{"imageOffset":4552,"symbol":"start","symbolLocation":4,"imageIndex":1}]},
    {"id":2,"frames":[{"imageOffset":6632,"imageIndex":1}]}
  ],
  "usedImages" : [
    {"source":"P","arch":"arm64","base":4306894848,"size":49152,"uuid":"6b1c0c7f-2d7b-3e5a-9e1f-0123456789ab","path":"/private/var/containers/Bundle/Application/0D4C/MyApp.app/MyApp","name":"MyApp"},
    {"source":"P","arch":"arm64e","base":7275454464,"size":221184,"uuid":"0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9","path":"/usr/lib/system/libdyld.dylib","name":"libdyld.dylib"},
    {"size":0,"source":"A","base":0,"uuid":"00000000-0000-0000-0000-000000000000"}
  ]
}`
	crash, err := Parse(strings.NewReader(ips))
	require.NoError(t, err)

	assert.Equal(t, "MyApp", crash.Process)
	assert.Equal(t, 4242, crash.PID)
	assert.Equal(t, "17.1", crash.OSVersion)
	assert.Equal(t, "21B74", crash.OSBuild)
	assert.Equal(t, "iOS", crash.Platform)
	assert.Equal(t, "com.example.MyApp", crash.Identifier)
	assert.Equal(t, "EXC_CRASH", crash.ExceptionType)

	require.Len(t, crash.Images, 2)
	assert.Equal(t, uint64(0x100b60000), crash.Images[0].Start)

	crashed := crash.Crashed()
	require.NotNil(t, crashed)
	assert.Equal(t, "Dispatch queue: com.apple.main-thread", crashed.Name)
	require.Len(t, crashed.Frames, 2)
	assert.Equal(t, uint64(0x100b64f3c), crashed.Frames[0].Address)
	assert.Equal(t, "start + 4", crashed.Frames[1].Symbol)
	assert.Equal(t, uint64(0x100b64f3c), crashed.State["pc"])
	assert.Equal(t, uint64(16), crashed.State["x1"])

	assert.Len(t, crash.SymbolicationImages(false), 2)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader("hello\nworld\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader(`{"bug_type":"288"}` + "\n" + `{"product":"iPhone15,3"}`))
	assert.Error(t, err)

	_, err = Open("testdata/does-not-exist.crash")
	assert.Error(t, err)
}
