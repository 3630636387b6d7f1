package mqttbridge

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not
// exist or its contents don't parse as a UUID. The instance ID is the
// stable Home Assistant device identifier — it survives renames of
// the device_name config field so HA entity history is preserved
// across reconfigurations.
//
// The MQTT bridge is optional and its data directory isn't created by
// any install step, so dataDir is created on demand, and a truncated
// or hand-edited instance_id file is treated as absent rather than
// failing the bridge startup.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("create mqtt data dir %s: %w", dataDir, err)
	}

	path := filepath.Join(dataDir, "instance_id")

	if data, err := os.ReadFile(path); err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id.String(), nil
		}
		slog.Warn("mqtt instance id file is not a valid UUID, regenerating", "path", path)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	slog.Info("generated new mqtt instance id", "path", path)

	return idStr, nil
}
