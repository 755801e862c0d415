package link

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandRunner executes name with args and returns combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// NMCLI joins wireless networks through NetworkManager's nmcli tool.
type NMCLI struct {
	// Path to the nmcli binary (default: "nmcli" on $PATH).
	Path string

	// WaitSec bounds how long nmcli waits for activation (default: 30).
	WaitSec int

	// Run executes the command. Defaults to os/exec.
	Run CommandRunner

	Logger *slog.Logger
}

// authFailureMarkers are nmcli output fragments that indicate rejected
// credentials rather than a missing or out-of-range network.
var authFailureMarkers = []string{
	"secrets were required",
	"802-1x supplicant failed",
	"invalid passphrase",
	"property is invalid",
}

// Join runs "nmcli device wifi connect" for creds.SSID. It is a no-op
// when the SSID is empty.
func (n *NMCLI) Join(ctx context.Context, creds Credentials) error {
	if creds.SSID == "" {
		return nil
	}

	path := n.Path
	if path == "" {
		path = "nmcli"
	}
	wait := n.WaitSec
	if wait <= 0 {
		wait = 30
	}
	run := n.Run
	if run == nil {
		run = execRunner
	}
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := []string{"--wait", fmt.Sprint(wait), "device", "wifi", "connect", creds.SSID}
	if creds.Passphrase != "" {
		args = append(args, "password", creds.Passphrase)
	}
	if creds.Interface != "" {
		args = append(args, "ifname", creds.Interface)
	}

	logger.Debug("joining wireless network", "ssid", creds.SSID, "interface", creds.Interface)

	out, err := run(ctx, path, args...)
	if err == nil {
		return nil
	}

	msg := strings.TrimSpace(string(out))
	lower := strings.ToLower(msg)
	for _, marker := range authFailureMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %s", ErrAuth, msg)
		}
	}
	if msg == "" {
		return fmt.Errorf("nmcli: %w", err)
	}
	return fmt.Errorf("nmcli: %s: %w", msg, err)
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}
