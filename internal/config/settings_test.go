package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/overseer/internal/model"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestLoadSettingsMissingFile(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.JobTimeoutS != 0 || s.ProcessIsolation {
		t.Errorf("missing file should yield zero settings, got %+v", s)
	}
}

func TestLoadSettingsParsesDocument(t *testing.T) {
	path := writeSettings(t, `
job_timeout: 120
process_isolation: true
process_isolation_executable: docker
container_image: quay.io/example/engine:latest
container_options:
  - "--net=host"
container_volume_mounts:
  - "/data/projects:/projects:ro"
`)

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	if s.JobTimeoutS != 120 {
		t.Errorf("JobTimeoutS = %d, want 120", s.JobTimeoutS)
	}
	if !s.ProcessIsolation {
		t.Error("ProcessIsolation = false, want true")
	}
	if s.ProcessIsolationExecutable != "docker" {
		t.Errorf("ProcessIsolationExecutable = %q, want docker", s.ProcessIsolationExecutable)
	}
	if s.ContainerImage != "quay.io/example/engine:latest" {
		t.Errorf("ContainerImage = %q", s.ContainerImage)
	}
	if len(s.ContainerOptions) != 1 || s.ContainerOptions[0] != "--net=host" {
		t.Errorf("ContainerOptions = %v", s.ContainerOptions)
	}
}

func TestLoadSettingsInvalidYAML(t *testing.T) {
	path := writeSettings(t, "job_timeout: [not an int\n")
	if _, err := LoadSettings(path); err == nil {
		t.Error("LoadSettings = nil error, want parse error")
	}
}

func TestApplyToFillsUnsetFields(t *testing.T) {
	s := &Settings{
		JobTimeoutS:                60,
		ProcessIsolation:           true,
		ProcessIsolationExecutable: "docker",
		ContainerImage:             "quay.io/example/engine:latest",
		ContainerOptions:           []string{"--net=host"},
		ContainerVolumeMounts:      []string{"/data:/data:ro"},
	}

	spec := &model.ExecutionSpec{Command: []string{"engine", "play"}}
	if err := s.ApplyTo(spec); err != nil {
		t.Fatalf("ApplyTo: %v", err)
	}

	if spec.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", spec.Timeout)
	}
	if spec.Isolation != model.IsolationContainer {
		t.Errorf("Isolation = %q, want container", spec.Isolation)
	}
	if spec.ContainerRuntime != "docker" {
		t.Errorf("ContainerRuntime = %q, want docker", spec.ContainerRuntime)
	}
	if spec.ContainerImage != "quay.io/example/engine:latest" {
		t.Errorf("ContainerImage = %q", spec.ContainerImage)
	}
	if len(spec.VolumeMounts) != 1 {
		t.Fatalf("VolumeMounts = %v, want 1 mount", spec.VolumeMounts)
	}
	m := spec.VolumeMounts[0]
	if m.HostPath != "/data" || m.ContainerPath != "/data" || m.Mode != "ro" {
		t.Errorf("mount = %+v", m)
	}
}

func TestApplyToSpecWins(t *testing.T) {
	s := &Settings{
		JobTimeoutS:      60,
		ProcessIsolation: true,
		ContainerImage:   "quay.io/example/default:latest",
	}

	spec := &model.ExecutionSpec{
		Command:        []string{"engine", "play"},
		Isolation:      model.IsolationNone,
		ContainerImage: "quay.io/example/override:v2",
		Timeout:        5 * time.Second,
	}
	if err := s.ApplyTo(spec); err != nil {
		t.Fatalf("ApplyTo: %v", err)
	}

	if spec.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want explicit 5s", spec.Timeout)
	}
	if spec.Isolation != model.IsolationNone {
		t.Errorf("Isolation = %q, want explicit none", spec.Isolation)
	}
	if spec.ContainerImage != "quay.io/example/override:v2" {
		t.Errorf("ContainerImage = %q, want explicit override", spec.ContainerImage)
	}
}

func TestApplyEnvFillsUnsetFields(t *testing.T) {
	t.Setenv("OVERSEER_COMMAND", "engine play site.yml")
	t.Setenv("OVERSEER_ISOLATION", model.IsolationContainer)

	spec := &model.ExecutionSpec{}
	ApplyEnv(spec)

	want := []string{"engine", "play", "site.yml"}
	if len(spec.Command) != len(want) {
		t.Fatalf("Command = %v, want %v", spec.Command, want)
	}
	for i := range want {
		if spec.Command[i] != want[i] {
			t.Errorf("Command[%d] = %q, want %q", i, spec.Command[i], want[i])
		}
	}
	if spec.Isolation != model.IsolationContainer {
		t.Errorf("Isolation = %q, want container", spec.Isolation)
	}
}

func TestApplyEnvSpecWins(t *testing.T) {
	t.Setenv("OVERSEER_COMMAND", "engine play other.yml")
	t.Setenv("OVERSEER_ISOLATION", model.IsolationContainer)

	spec := &model.ExecutionSpec{
		Command:   []string{"echo", "ok"},
		Isolation: model.IsolationNone,
	}
	ApplyEnv(spec)

	if len(spec.Command) != 2 || spec.Command[0] != "echo" {
		t.Errorf("Command = %v, want explicit echo ok", spec.Command)
	}
	if spec.Isolation != model.IsolationNone {
		t.Errorf("Isolation = %q, want explicit none", spec.Isolation)
	}
}

func TestParseVolumeMountInvalid(t *testing.T) {
	s := &Settings{ContainerVolumeMounts: []string{"justonepath"}}
	spec := &model.ExecutionSpec{Command: []string{"engine"}}
	if err := s.ApplyTo(spec); err == nil {
		t.Error("ApplyTo = nil error, want invalid mount error")
	}
}
