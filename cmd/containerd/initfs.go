//go:build darwin

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// localInitfsProvider implements orchestrator.InitfsProvider against a
// flat directory of pre-built init filesystems, one per platform, under
// <root>/initfs/. Building the init filesystem image itself is out of
// scope (§6); this only locates one already on disk.
type localInitfsProvider struct {
	root string
}

func newLocalInitfsProvider(root string) *localInitfsProvider {
	return &localInitfsProvider{root: root}
}

func (p *localInitfsProvider) Fetch(ctx context.Context, platform types.Platform) (string, error) {
	name := fmt.Sprintf("%s-%s", platform.OS, platform.Arch)
	path := filepath.Join(p.root, "initfs", name+".img")
	if _, err := os.Stat(path); err != nil {
		return "", apierrors.Wrap(apierrors.NotFound, "init filesystem for "+name, err)
	}
	return path, nil
}
