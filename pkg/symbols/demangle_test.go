package symbols

import "testing"

func TestDemangleSymbolName(t *testing.T) {
	tcs := map[string]string{
		"_ZN3Foo3barEv":                 "Foo::bar()",
		"__ZN3Foo3barEv":                "Foo::bar()",
		"__ZdlPv":                       "operator delete(void*)",
		"__stub_helper._ZN3Foo3barEv":   "__stub_helper.Foo::bar()",
		"j___stub_helper._ZN3Foo3barEv": "j___stub_helper.Foo::bar()",
		"__got._ZN3Foo3barEv":           "__got.Foo::bar()",
		"__ZN3Foo3barEv.cold.1":         "Foo::bar().cold.1",
		"":                              "",
	}

	for in, want := range tcs {
		if got := DemangleSymbolName(in); got != want {
			t.Errorf("DemangleSymbolName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		demangle bool
		want     string
	}{
		{name: "c symbol", in: "_main", demangle: true, want: "main"},
		{name: "c symbol without demangling", in: "_main", demangle: false, want: "main"},
		{name: "cxx symbol", in: "__ZN3Foo3barEv", demangle: true, want: "Foo::bar()"},
		{name: "cxx symbol without demangling", in: "__ZN3Foo3barEv", demangle: false, want: "__ZN3Foo3barEv"},
		{name: "objc method", in: "-[AppDelegate application:didFinishLaunchingWithOptions:]", demangle: true, want: "-[AppDelegate application:didFinishLaunchingWithOptions:]"},
		{name: "reserved name", in: "__mh_execute_header", demangle: true, want: "__mh_execute_header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayName(tt.in, tt.demangle); got != tt.want {
				t.Errorf("DisplayName(%q, %v) = %q, want %q", tt.in, tt.demangle, got, tt.want)
			}
		})
	}
}

func TestIsOutlined(t *testing.T) {
	if !IsOutlined("_OUTLINED_FUNCTION_12") {
		t.Error("expected _OUTLINED_FUNCTION_12 to be outlined")
	}
	if IsOutlined("_main") {
		t.Error("did not expect _main to be outlined")
	}
}
