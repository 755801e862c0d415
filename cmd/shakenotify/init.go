package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/shakenotify/examples"
)

// runInit writes the example configuration into dir. An existing
// config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "%s already exists, leaving it alone\n", configPath)
		return nil
	}

	// The file will hold the broker access key.
	if err := os.WriteFile(configPath, examples.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set AIO_USERNAME and AIO_KEY (or edit config.yaml), then run: shakenotify serve")
	return nil
}
