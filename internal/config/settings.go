package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/seantiz/overseer/internal/model"
)

// Settings is the optional per-project settings document. It supplies
// execution defaults that the submitted spec can override; a missing file
// means all defaults are zero.
type Settings struct {
	JobTimeoutS int `yaml:"job_timeout"`

	ProcessIsolation           bool   `yaml:"process_isolation"`
	ProcessIsolationExecutable string `yaml:"process_isolation_executable"`

	ContainerImage        string   `yaml:"container_image"`
	ContainerOptions      []string `yaml:"container_options"`
	ContainerVolumeMounts []string `yaml:"container_volume_mounts"`
}

// LoadSettings parses the YAML settings document at path. A missing file is
// not an error; it yields zero settings.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return &s, nil
}

// Environment boundary for wrapping automation that cannot pass flags.
const (
	envCommand   = "OVERSEER_COMMAND"
	envIsolation = "OVERSEER_ISOLATION"
)

// ApplyEnv fills unset spec fields from the process environment:
// OVERSEER_COMMAND supplies the argv (whitespace separated) and
// OVERSEER_ISOLATION the isolation mode. Explicit spec values always win.
func ApplyEnv(spec *model.ExecutionSpec) {
	if len(spec.Command) == 0 {
		if v := os.Getenv(envCommand); v != "" {
			spec.Command = strings.Fields(v)
		}
	}
	if spec.Isolation == "" {
		spec.Isolation = os.Getenv(envIsolation)
	}
}

// ApplyTo fills unset spec fields from the settings document. Explicit spec
// values always win.
func (s *Settings) ApplyTo(spec *model.ExecutionSpec) error {
	if spec.Timeout == 0 && s.JobTimeoutS > 0 {
		spec.Timeout = time.Duration(s.JobTimeoutS) * time.Second
	}

	if s.ProcessIsolation && spec.Isolation == "" {
		spec.Isolation = model.IsolationContainer
	}
	if spec.ContainerImage == "" {
		spec.ContainerImage = s.ContainerImage
	}
	if spec.ContainerRuntime == "" && s.ProcessIsolationExecutable != "" {
		spec.ContainerRuntime = s.ProcessIsolationExecutable
	}
	if len(spec.ContainerOptions) == 0 {
		spec.ContainerOptions = s.ContainerOptions
	}

	if len(spec.VolumeMounts) == 0 {
		for _, m := range s.ContainerVolumeMounts {
			mount, err := parseVolumeMount(m)
			if err != nil {
				return err
			}
			spec.VolumeMounts = append(spec.VolumeMounts, mount)
		}
	}

	return nil
}

// parseVolumeMount parses "host:container[:mode]" mount syntax.
func parseVolumeMount(s string) (model.VolumeMount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return model.VolumeMount{}, fmt.Errorf("invalid volume mount %q, want host:container[:mode]", s)
	}
	mount := model.VolumeMount{HostPath: parts[0], ContainerPath: parts[1]}
	if len(parts) == 3 {
		mount.Mode = parts[2]
	}
	return mount, nil
}
