package launcher

import (
	"encoding/json"
	"fmt"
	"os"
)

// registryAuthPrefix names the short-lived registry credential files.
const registryAuthPrefix = "overseer_registry_"

// WriteAuthFile renders an opaque registry auth payload to a 0600 temporary
// file and returns its path. The payload content is never inspected. The
// coordinator owns removal of the file on every exit path.
func WriteAuthFile(auth map[string]any) (string, error) {
	f, err := os.CreateTemp("", registryAuthPrefix+"*.json")
	if err != nil {
		return "", fmt.Errorf("create auth file: %w", err)
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(auth); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write auth file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close auth file: %w", err)
	}

	return f.Name(), nil
}
