package imageref

import (
	"testing"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/types"
)

func TestParseDefaultsUntaggedToLatest(t *testing.T) {
	ref, err := Parse("alpine")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Identifier() != "latest" {
		t.Fatalf("Identifier() = %q, want latest", ref.Identifier())
	}
}

func TestParseRejectsInvalidReference(t *testing.T) {
	_, err := Parse("UPPERCASE_NOT_ALLOWED")
	if !apierrors.IsCode(err, apierrors.InvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestParsePlatformDefaultsOSToLinux(t *testing.T) {
	p, err := ParsePlatform(types.Platform{Arch: "arm64"})
	if err != nil {
		t.Fatalf("ParsePlatform: %v", err)
	}
	if p.OS != "linux" || p.Architecture != "arm64" {
		t.Fatalf("got %+v", p)
	}
}

func TestParsePlatformRequiresArch(t *testing.T) {
	_, err := ParsePlatform(types.Platform{})
	if !apierrors.IsCode(err, apierrors.InvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}
