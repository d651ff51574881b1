package launcher

import (
	"encoding/json"
	"os"
	"reflect"
	"testing"

	"github.com/seantiz/overseer/internal/model"
)

func TestContainerNameSanitized(t *testing.T) {
	tests := []struct {
		ident string
		want  string
	}{
		{"simple", "overseer_simple"},
		{"with:colon", "overseer_with_colon"},
		{"with space", "overseer_with_space"},
		{"slash/and@at", "overseer_slash_and_at"},
		{"Keep.Dots-And_Underscores9", "overseer_Keep.Dots-And_Underscores9"},
	}
	for _, tt := range tests {
		if got := ContainerName(tt.ident); got != tt.want {
			t.Errorf("ContainerName(%q) = %q, want %q", tt.ident, got, tt.want)
		}
	}
}

func TestContainerNameDeterministic(t *testing.T) {
	ident := "job:2026/08"
	if ContainerName(ident) != ContainerName(ident) {
		t.Error("ContainerName is not deterministic for the same ident")
	}
}

func TestBuildRunArgs(t *testing.T) {
	dir := t.TempDir()
	spec := &model.ExecutionSpec{
		Ident:          "job1",
		Command:        []string{"engine", "play", "site.yml"},
		Cwd:            "/runner/project",
		Isolation:      model.IsolationContainer,
		ContainerImage: "quay.io/example/engine:latest",
		Env: map[string]string{
			"B_VAR": "2",
			"A_VAR": "1",
		},
		VolumeMounts: []model.VolumeMount{
			{HostPath: dir, ContainerPath: "/runner", Mode: "rw"},
			{HostPath: dir, ContainerPath: "/data"},
		},
		ContainerOptions: []string{"--network", "host"},
	}

	got := buildRunArgs(spec, "overseer_job1", "podman")
	want := []string{
		"run", "--rm", "--interactive", "--name", "overseer_job1",
		"--workdir", "/runner/project",
		"-e", "A_VAR=1",
		"-e", "B_VAR=2",
		"-v", dir + ":/runner:rw",
		"-v", dir + ":/data",
		"--network", "host",
		"quay.io/example/engine:latest",
		"engine", "play", "site.yml",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("buildRunArgs =\n  %v\nwant\n  %v", got, want)
	}
}

func TestBuildRunArgsAuthFile(t *testing.T) {
	spec := &model.ExecutionSpec{
		Ident:          "job1",
		Command:        []string{"engine"},
		Isolation:      model.IsolationContainer,
		ContainerImage: "img",
		AuthFile:       "/tmp/authfile.json",
	}

	podman := buildRunArgs(spec, "n", "podman")
	if !containsSeq(podman, "--authfile", "/tmp/authfile.json") {
		t.Errorf("podman args missing --authfile: %v", podman)
	}

	docker := buildRunArgs(spec, "n", "docker")
	if !containsSeq(docker, "-e", "REGISTRY_AUTH_FILE=/tmp/authfile.json") {
		t.Errorf("docker args missing auth env: %v", docker)
	}
}

func containsSeq(args []string, a, b string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == a && args[i+1] == b {
			return true
		}
	}
	return false
}

func TestContainerNotFoundClassification(t *testing.T) {
	notFound := [][]byte{
		[]byte(`Error: no such container "overseer_job1"`),
		[]byte("Error: no container with name or ID overseer_job1 found"),
	}
	for _, out := range notFound {
		if !containerNotFound(out) {
			t.Errorf("containerNotFound(%q) = false, want true", out)
		}
	}

	if containerNotFound([]byte("Error: something else went wrong")) {
		t.Error("containerNotFound misclassified an unrelated error")
	}
}

func TestWriteAuthFile(t *testing.T) {
	auth := map[string]any{
		"auths": map[string]any{
			"quay.io": map[string]any{"auth": "c2VjcmV0"},
		},
	}

	path, err := WriteAuthFile(auth)
	if err != nil {
		t.Fatalf("WriteAuthFile: %v", err)
	}
	t.Cleanup(func() { os.Remove(path) })

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat auth file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("auth file perm = %o, want 600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read auth file: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("auth file is not valid JSON: %v", err)
	}
	if _, ok := decoded["auths"]; !ok {
		t.Error("auth file payload lost the auths key")
	}
}
