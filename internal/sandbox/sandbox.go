/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package sandbox implements the Container Runner (C3): ensure an
// image is present (pulling with retry on a registry client), run it
// with tightened resource and privilege caps, stream bounded output,
// and enforce a hard deadline.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const maxCapturedOutput = 16 * 1024 * 1024 // 16MiB captured output cap

// RetryPolicy controls the exponential backoff used for image pulls,
// shaped after the control plane's job retry policy.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy retries image pulls with exponential backoff up
// to a configured cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     60 * time.Second,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Spec describes one container invocation.
type Spec struct {
	Image        string
	Argv         []string
	Env          []string
	MemoryMB     int64
	CPUPercent   float64 // e.g. 50 means half a core
	Deadline     time.Duration
	IsolatedNet  bool // true during the exploit phase
	OutputVolume string
}

// Outcome is the result of one Run.
type Outcome string

const (
	OutcomeExited  Outcome = "exited"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// Result is returned by Run.
type Result struct {
	Outcome    Outcome
	ExitCode   int
	Stdout     string
	Stderr     string
	Truncated  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// DockerClient is the subset of *client.Client the Runner depends on,
// so tests can substitute a fake.
type DockerClient interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ImagePuller abstracts the registry pull path so the ORAS-based retry
// transport and the Docker daemon pull can both satisfy it.
type ImagePuller interface {
	EnsurePresent(ctx context.Context, cli DockerClient, image string, policy RetryPolicy) error
}

// Runner executes catalog tools inside hardened containers.
type Runner struct {
	cli    DockerClient
	puller ImagePuller
	retry  RetryPolicy
}

// New constructs a Runner against a live Docker client and the given
// image puller (see NewDaemonPuller / NewRegistryPuller).
func New(cli DockerClient, puller ImagePuller) *Runner {
	return &Runner{cli: cli, puller: puller, retry: DefaultRetryPolicy()}
}

// WithRetryPolicy overrides the default pull retry policy.
func (r *Runner) WithRetryPolicy(p RetryPolicy) *Runner {
	r.retry = p
	return r
}

// Run ensures the image is present, starts the container with the
// spec's resource/privilege caps, streams bounded output, and enforces
// the deadline by killing the container on expiry.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	result := Result{StartedAt: time.Now().UTC()}

	if err := r.puller.EnsurePresent(ctx, r.cli, spec.Image, r.retry); err != nil {
		result.Outcome = OutcomeError
		result.FinishedAt = time.Now().UTC()
		return result, fmt.Errorf("sandbox: ensure image present: %w", err)
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Resources: container.Resources{
			Memory:   spec.MemoryMB * 1024 * 1024,
			CPUQuota: int64(spec.CPUPercent * 1000),
			CPUPeriod: 100000,
		},
	}
	if spec.IsolatedNet {
		hostCfg.NetworkMode = "sandbox-isolated"
	} else {
		hostCfg.NetworkMode = "bridge"
	}

	containerCfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Argv,
		Env:   spec.Env,
	}

	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		result.Outcome = OutcomeError
		result.FinishedAt = time.Now().UTC()
		return result, fmt.Errorf("sandbox: create container: %w", err)
	}
	id := created.ID
	defer r.remove(id)

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		result.Outcome = OutcomeError
		result.FinishedAt = time.Now().UTC()
		return result, fmt.Errorf("sandbox: start container: %w", err)
	}

	deadlineCtx := ctx
	var cancel context.CancelFunc
	if spec.Deadline > 0 {
		deadlineCtx, cancel = context.WithTimeout(ctx, spec.Deadline)
		defer cancel()
	}

	waitCh, errCh := r.cli.ContainerWait(deadlineCtx, id, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case <-deadlineCtx.Done():
		_ = r.cli.ContainerKill(context.Background(), id, "SIGKILL")
		result.Outcome = OutcomeTimeout
	case werr := <-errCh:
		if werr != nil {
			result.Outcome = OutcomeError
		}
	case wr := <-waitCh:
		exitCode = int(wr.StatusCode)
		result.Outcome = OutcomeExited
		result.ExitCode = exitCode
	}

	stdout, stderr, truncated := r.collectLogs(context.Background(), id)
	result.Stdout = stdout
	result.Stderr = stderr
	result.Truncated = truncated
	result.FinishedAt = time.Now().UTC()
	return result, nil
}

func (r *Runner) collectLogs(ctx context.Context, id string) (stdout, stderr string, truncated bool) {
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", false
	}
	defer rc.Close()

	var buf bytes.Buffer
	limited := io.LimitReader(rc, maxCapturedOutput+1)
	n, _ := io.Copy(&buf, limited)
	out := buf.String()
	if n > maxCapturedOutput {
		truncated = true
		out = out[:maxCapturedOutput] + "\n...[truncated]"
	}
	// The demultiplexed stdout/stderr split requires stdcopy; callers
	// that need the split use ContainerLogs separately per stream. The
	// combined stream is what catalog parsers consume.
	return out, "", truncated
}

// remove is best-effort and idempotent: errors are discarded, neither
// logged nor surfaced — cleanup never blocks on removal failure.
func (r *Runner) remove(id string) {
	_ = r.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
}
