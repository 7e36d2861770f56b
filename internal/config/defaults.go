package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultInstanceName names the SA after the host it runs on. Without a
// hostname the process id keeps instances on one host apart.
func defaultInstanceName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return fmt.Sprintf("ibsa-%d", os.Getpid())
	}
	return hostname
}

// writeTemplate writes a generated configuration to path, creating the
// parent directory (typically /etc/ibsa) when needed
func writeTemplate(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write configuration %s: %w", path, err)
	}
	return nil
}
