//go:build darwin

package servicemgr

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/log"
)

// LaunchdManager registers services as per-user launchd agents under
// ~/Library/LaunchAgents, keyed by label.
type LaunchdManager struct {
	agentsDir string
	logger    zerolog.Logger
}

// NewLaunchdManager constructs a LaunchdManager rooted at the current
// user's LaunchAgents directory.
func NewLaunchdManager() (*LaunchdManager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "resolve home directory", err)
	}
	dir := filepath.Join(home, "Library", "LaunchAgents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "create LaunchAgents directory", err)
	}
	return &LaunchdManager{agentsDir: dir, logger: log.WithComponent("servicemgr.launchd")}, nil
}

func (m *LaunchdManager) plistPath(label string) string {
	return filepath.Join(m.agentsDir, label+".plist")
}

func (m *LaunchdManager) Register(ctx context.Context, spec Spec) error {
	if spec.Label == "" {
		return apierrors.New(apierrors.InvalidArgument, "servicemgr: spec.Label is required")
	}

	// Registering an already-running label replaces it; bootout first so
	// launchctl bootstrap doesn't reject the relaunch as already-loaded.
	_ = m.unload(spec.Label)

	path := m.plistPath(spec.Label)
	doc, err := renderPlist(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "write launchd plist", err)
	}

	if err := m.bootstrap(ctx, path); err != nil {
		os.Remove(path)
		return err
	}

	m.logger.Debug().Str("label", spec.Label).Str("plist", path).Msg("registered launchd service")
	return nil
}

func (m *LaunchdManager) Deregister(ctx context.Context, label string) error {
	path := m.plistPath(label)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	_ = m.unload(label)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apierrors.Wrap(apierrors.InternalError, "remove launchd plist", err)
	}
	m.logger.Debug().Str("label", label).Msg("deregistered launchd service")
	return nil
}

func (m *LaunchdManager) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(m.agentsDir)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "read LaunchAgents directory", err)
	}
	var labels []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".plist")
		if name == entry.Name() {
			continue // not a plist
		}
		if strings.HasPrefix(name, prefix) {
			labels = append(labels, name)
		}
	}
	sort.Strings(labels)
	return labels, nil
}

func (m *LaunchdManager) bootstrap(ctx context.Context, plistPath string) error {
	domain, err := guiDomain()
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "launchctl", "bootstrap", domain, plistPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "launchctl bootstrap: "+strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func (m *LaunchdManager) unload(label string) error {
	domain, err := guiDomain()
	if err != nil {
		return err
	}
	cmd := exec.Command("launchctl", "bootout", domain+"/"+label)
	return cmd.Run()
}

func guiDomain() (string, error) {
	uid := os.Getuid()
	return fmt.Sprintf("gui/%d", uid), nil
}

// renderPlist writes the minimal subset of launchd's job-definition schema
// this daemon needs: a program with arguments, an environment, stdio
// redirection, and KeepAlive disabled (sandbox helpers exit on their own
// once their container stops; launchd should not respawn them).
func renderPlist(spec Spec) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	b.WriteString(`<plist version="1.0"><dict>` + "\n")

	writeString(&b, "Label", spec.Label)

	b.WriteString("<key>ProgramArguments</key><array>\n")
	writeArrayString(&b, spec.Executable)
	for _, arg := range spec.Args {
		writeArrayString(&b, arg)
	}
	b.WriteString("</array>\n")

	if len(spec.Env) > 0 {
		b.WriteString("<key>EnvironmentVariables</key><dict>\n")
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeString(&b, k, spec.Env[k])
		}
		b.WriteString("</dict>\n")
	}

	if spec.WorkingDirectory != "" {
		writeString(&b, "WorkingDirectory", spec.WorkingDirectory)
	}
	if spec.StdoutPath != "" {
		writeString(&b, "StandardOutPath", spec.StdoutPath)
	}
	if spec.StderrPath != "" {
		writeString(&b, "StandardErrorPath", spec.StderrPath)
	}

	b.WriteString("<key>KeepAlive</key><false/>\n")
	b.WriteString("<key>RunAtLoad</key><true/>\n")
	b.WriteString("</dict></plist>\n")
	return b.Bytes(), nil
}

func writeString(b *bytes.Buffer, key, value string) {
	fmt.Fprintf(b, "<key>%s</key><string>%s</string>\n", xmlEscape(key), xmlEscape(value))
}

func writeArrayString(b *bytes.Buffer, value string) {
	fmt.Fprintf(b, "<string>%s</string>\n", xmlEscape(value))
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
