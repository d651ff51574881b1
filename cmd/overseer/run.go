package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/overseer/internal/config"
	"github.com/seantiz/overseer/internal/model"
	"github.com/seantiz/overseer/internal/runner"
)

type runFlags struct {
	ident            string
	cwd              string
	env              []string
	isolation        string
	containerImage   string
	containerRuntime string
	containerOptions []string
	mounts           []string
	timeout          time.Duration
	artifactDir      string
	settingsPath     string
	quiet            bool
}

func runCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Execute one engine run synchronously",
		Long: `Run launches the given command, supervises it to completion, and exits
with the engine's return code. Artifacts are written under the artifact
directory, keyed by the job identifier.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, args, &flags)
		},
	}

	cmd.Flags().StringVar(&flags.ident, "ident", "", "job identifier (generated when empty)")
	cmd.Flags().StringVar(&flags.cwd, "cwd", "", "working directory for the engine")
	cmd.Flags().StringArrayVarP(&flags.env, "env", "e", nil, "environment override KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&flags.isolation, "isolation", "", "isolation mode: none or container")
	cmd.Flags().StringVar(&flags.containerImage, "container-image", "", "container image to run the engine in")
	cmd.Flags().StringVar(&flags.containerRuntime, "container-runtime", "", "container runtime binary (default podman)")
	cmd.Flags().StringArrayVar(&flags.containerOptions, "container-option", nil, "extra container runtime argument (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.mounts, "mount", "v", nil, "volume mount host:container[:mode] (repeatable)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "wall-clock limit for the run (0 means none)")
	cmd.Flags().StringVar(&flags.artifactDir, "artifact-dir", "", "artifact base directory (default from environment)")
	cmd.Flags().StringVar(&flags.settingsPath, "settings", "", "path to a YAML settings document")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "suppress the result summary")

	return cmd
}

// buildSpec resolves flags, the settings document, and the environment into
// an ExecutionSpec. The config default for the container runtime is applied
// last so a settings-file executable takes precedence over it.
func buildSpec(cfg config.Config, flags *runFlags, args []string) (*model.ExecutionSpec, error) {
	spec := &model.ExecutionSpec{
		Ident:            flags.ident,
		Command:          args,
		Cwd:              flags.cwd,
		Isolation:        flags.isolation,
		ContainerImage:   flags.containerImage,
		ContainerRuntime: flags.containerRuntime,
		ContainerOptions: flags.containerOptions,
		Timeout:          flags.timeout,
	}
	if spec.Ident == "" {
		spec.Ident = model.NewID()
	}

	env, err := parseEnv(flags.env)
	if err != nil {
		return nil, err
	}
	spec.Env = env

	for _, m := range flags.mounts {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid mount %q, want host:container[:mode]", m)
		}
		mount := model.VolumeMount{HostPath: parts[0], ContainerPath: parts[1]}
		if len(parts) == 3 {
			mount.Mode = parts[2]
		}
		spec.VolumeMounts = append(spec.VolumeMounts, mount)
	}

	if flags.settingsPath != "" {
		settings, err := config.LoadSettings(flags.settingsPath)
		if err != nil {
			return nil, err
		}
		if err := settings.ApplyTo(spec); err != nil {
			return nil, err
		}
	}
	config.ApplyEnv(spec)

	if spec.ContainerRuntime == "" {
		spec.ContainerRuntime = cfg.ContainerRuntime
	}
	return spec, nil
}

func runJob(cmd *cobra.Command, args []string, flags *runFlags) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	artifactDir := cfg.ArtifactDir
	if flags.artifactDir != "" {
		artifactDir = flags.artifactDir
	}

	spec, err := buildSpec(cfg, flags, args)
	if err != nil {
		return err
	}

	r, err := runner.New(runner.Config{
		Spec:         spec,
		ArtifactBase: artifactDir,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	res, err := r.Run(cmd.Context())
	if err != nil {
		return err
	}

	if !flags.quiet {
		summary := map[string]any{
			"ident":     res.Ident,
			"status":    res.Status,
			"rc":        res.RC,
			"artifacts": res.Artifacts.Path(),
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	}

	// Mirror the engine's exit code so callers can script against it.
	if res.RC != 0 {
		os.Exit(res.RC)
	}
	return nil
}

// parseEnv converts KEY=VALUE pairs into an environment map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env override %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}
