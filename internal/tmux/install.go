package tmux

import (
	"context"
	"strings"
	"time"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
)

const installTimeout = 10 * time.Minute

type packageManager struct {
	ids     []string
	likes   []string
	command string
}

// Order matters: more specific families come before the generic ones.
var packageManagers = []packageManager{
	{ids: []string{"debian", "ubuntu", "pengwin", "kali", "linuxmint", "pop", "elementary", "zorin"}, likes: []string{"debian", "ubuntu"}, command: "sudo apt-get update && sudo apt-get install -y tmux"},
	{ids: []string{"fedora", "rhel", "centos", "rocky", "almalinux", "ol", "amzn"}, likes: []string{"fedora", "rhel"}, command: "sudo dnf install -y tmux"},
	{ids: []string{"arch", "manjaro", "endeavouros", "garuda"}, likes: []string{"arch"}, command: "sudo pacman -S --noconfirm tmux"},
	{ids: []string{"opensuse", "opensuse-leap", "opensuse-tumbleweed", "sles"}, likes: []string{"suse", "opensuse"}, command: "sudo zypper install -y tmux"},
	{ids: []string{"alpine"}, command: "sudo apk add tmux"},
	{ids: []string{"void"}, command: "sudo xbps-install -Sy tmux"},
	{ids: []string{"gentoo"}, command: "sudo emerge app-misc/tmux"},
	{ids: []string{"nixos"}, command: "nix profile install nixpkgs#tmux"},
}

// parseOSRelease reads ID and ID_LIKE from /etc/os-release content.
func parseOSRelease(content string) (id string, like []string) {
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.ToLower(strings.Trim(value, `"'`))
		switch key {
		case "ID":
			id = value
		case "ID_LIKE":
			like = strings.Fields(value)
		}
	}
	return id, like
}

// InstallCommand returns the package manager command that installs tmux
// on the distribution described by osRelease.
func InstallCommand(osRelease string) (string, bool) {
	id, like := parseOSRelease(osRelease)
	for _, pm := range packageManagers {
		for _, candidate := range pm.ids {
			if id == candidate {
				return pm.command, true
			}
		}
	}
	for _, pm := range packageManagers {
		for _, l := range like {
			for _, candidate := range pm.likes {
				if l == candidate {
					return pm.command, true
				}
			}
		}
	}
	return "", false
}

// InstallHint returns manual install guidance for osRelease.
func InstallHint(osRelease string) string {
	if cmd, ok := InstallCommand(osRelease); ok {
		return "install tmux: " + cmd
	}
	return "install tmux with your system's package manager and retry"
}

// OSRelease reads /etc/os-release inside the runtime. Missing content is "".
func (c *Client) OSRelease(ctx context.Context) string {
	res, err := c.rt.Execute(ctx, runtime.Cmd("cat", "/etc/os-release"), runtime.Options{Timeout: c.timeout})
	if err != nil || !res.Success() {
		return ""
	}
	return res.Stdout
}

// TryInstall attempts a non-interactive install (sudo -n). It never
// prompts; a password requirement is reported as a Fatal error carrying
// the manual command.
func (c *Client) TryInstall(ctx context.Context) error {
	osRelease := c.OSRelease(ctx)
	cmd, ok := InstallCommand(osRelease)
	if !ok {
		return errors.NewTmuxError("no automatic tmux install for this distribution", errors.ErrMultiplexerMissing).
			WithStage(errors.StageBootstrap).
			WithHint(InstallHint(osRelease))
	}

	script := strings.ReplaceAll(cmd, "sudo ", "sudo -n ")
	c.logger.Info("installing tmux", "command", script)
	res, err := c.rt.Execute(ctx, runtime.Mutating("sh", "-c", script), runtime.Options{Timeout: installTimeout})
	if err != nil {
		return err
	}
	if !res.Success() {
		c.logger.Warn("automatic tmux install failed", "stderr", res.Stderr)
		return errors.NewTmuxError("automatic tmux install failed", errors.ErrMultiplexerMissing).
			WithStage(errors.StageBootstrap).
			WithOutput(res.Stderr).
			WithHint("run manually: " + cmd)
	}
	return nil
}
