//go:build darwin

package servicemgr

import (
	"strings"
	"testing"
)

func TestRenderPlistIncludesProgramArguments(t *testing.T) {
	doc, err := renderPlist(Spec{
		Label:      "com.apple.container.vminitd.abc123",
		Executable: "/usr/local/libexec/sandbox-helper",
		Args:       []string{"start", "--root", "/var/lib/sandboxd/containers/abc123", "--uuid", "abc123"},
		Env:        map[string]string{"CONTAINER_DEBUG": "1"},
	})
	if err != nil {
		t.Fatalf("renderPlist: %v", err)
	}
	s := string(doc)
	for _, want := range []string{
		"<key>Label</key><string>com.apple.container.vminitd.abc123</string>",
		"<string>/usr/local/libexec/sandbox-helper</string>",
		"<string>--uuid</string>",
		"<key>CONTAINER_DEBUG</key><string>1</string>",
		"<key>KeepAlive</key><false/>",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("rendered plist missing %q:\n%s", want, s)
		}
	}
}

func TestRenderPlistEscapesSpecialCharacters(t *testing.T) {
	doc, err := renderPlist(Spec{
		Label:      "l",
		Executable: "/bin/x",
		Args:       []string{"--name", "a & b"},
	})
	if err != nil {
		t.Fatalf("renderPlist: %v", err)
	}
	if !strings.Contains(string(doc), "a &amp; b") {
		t.Fatalf("expected escaped ampersand, got:\n%s", doc)
	}
}

func TestLabelFormat(t *testing.T) {
	got := Label("com.apple.container", "vminitd", "abc123")
	want := "com.apple.container.vminitd.abc123"
	if got != want {
		t.Fatalf("Label() = %q, want %q", got, want)
	}
}

