package model

import (
	"fmt"
	"os"
	"time"
)

// VolumeMount describes one host path bind-mounted into a container.
type VolumeMount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	Mode          string `json:"mode,omitempty"`
}

// ExecutionSpec is the immutable description of one execution: the command to
// run, where and how to run it, and the identity under which its artifacts
// are stored. Callers construct a spec, validate it, and hand it to the
// runner; nothing mutates it after execution starts.
type ExecutionSpec struct {
	Ident            string            `json:"ident"`
	Command          []string          `json:"command"`
	Cwd              string            `json:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Isolation        string            `json:"isolation"`
	ContainerImage   string            `json:"container_image,omitempty"`
	ContainerRuntime string            `json:"container_runtime,omitempty"`
	ContainerOptions []string          `json:"container_options,omitempty"`
	VolumeMounts     []VolumeMount     `json:"volume_mounts,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty"`

	// RegistryAuth is an opaque credential payload. When present, the
	// coordinator writes it to a short-lived 0600 file before launch and
	// removes that file on every exit path.
	RegistryAuth map[string]any `json:"registry_auth,omitempty"`

	// AuthFile is the path of the rendered registry auth file. It is
	// populated by the coordinator, never by callers.
	AuthFile string `json:"-"`
}

// InvalidSpecError reports a malformed ExecutionSpec. No job is started and
// no artifacts are created when validation fails.
type InvalidSpecError struct {
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return "invalid execution spec: " + e.Reason
}

// Validate checks the spec for structural problems. liveIdent, when non-nil,
// reports whether an ident is already in use by a live job. Validate has no
// side effects.
func (s *ExecutionSpec) Validate(liveIdent func(string) bool) error {
	if len(s.Command) == 0 {
		return &InvalidSpecError{Reason: "command is empty"}
	}
	if s.Ident == "" {
		return &InvalidSpecError{Reason: "ident is empty"}
	}
	if liveIdent != nil && liveIdent(s.Ident) {
		return &InvalidSpecError{Reason: fmt.Sprintf("ident %q is already in use by a live job", s.Ident)}
	}
	if s.Timeout < 0 {
		return &InvalidSpecError{Reason: "timeout is negative"}
	}

	switch s.Isolation {
	case IsolationNone, "":
	case IsolationContainer:
		if s.ContainerImage == "" {
			return &InvalidSpecError{Reason: "container isolation requires an image"}
		}
	default:
		return &InvalidSpecError{Reason: fmt.Sprintf("unknown isolation mode %q", s.Isolation)}
	}

	for _, m := range s.VolumeMounts {
		if _, err := os.Stat(m.HostPath); err != nil {
			return &InvalidSpecError{Reason: fmt.Sprintf("volume mount host path %q does not exist", m.HostPath)}
		}
	}

	return nil
}
