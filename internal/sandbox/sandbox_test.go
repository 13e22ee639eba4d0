package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeClient struct {
	exitCode     int
	waitDelay    time.Duration
	logs         string
	removeCalled bool
}

func (f *fakeClient) ImageInspect(ctx context.Context, id string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{}, nil
}
func (f *fakeClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (f *fakeClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, net *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: "container-1"}, nil
}
func (f *fakeClient) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return nil
}
func (f *fakeClient) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		if f.waitDelay > 0 {
			time.Sleep(f.waitDelay)
		}
		waitCh <- container.WaitResponse{StatusCode: int64(f.exitCode)}
	}()
	return waitCh, errCh
}
func (f *fakeClient) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}
func (f *fakeClient) ContainerKill(ctx context.Context, id, signal string) error { return nil }
func (f *fakeClient) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.removeCalled = true
	return nil
}

type noopPuller struct{}

func (noopPuller) EnsurePresent(ctx context.Context, cli DockerClient, img string, policy RetryPolicy) error {
	return nil
}

func TestRunSuccessCollectsOutputAndRemoves(t *testing.T) {
	cli := &fakeClient{exitCode: 0, logs: "open port 22/tcp\n"}
	r := New(cli, noopPuller{})
	res, err := r.Run(context.Background(), Spec{Image: "x", Argv: []string{"nmap"}, Deadline: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeExited || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !cli.removeCalled {
		t.Fatal("expected idempotent remove to run")
	}
}

func TestRunDeadlineExpiryKillsAndReturnsTimeout(t *testing.T) {
	cli := &fakeClient{waitDelay: 500 * time.Millisecond}
	r := New(cli, noopPuller{})
	res, err := r.Run(context.Background(), Spec{Image: "x", Deadline: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %v", res.Outcome)
	}
}

type flakyDockerClient struct{ fakeClient }

func TestDaemonPullerRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	cli := &countingPullClient{failUntil: 2, onAttempt: func() { attempts++ }}
	p := DaemonPuller{}
	err := p.EnsurePresent(context.Background(), cli, "img", RetryPolicy{
		MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 1,
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

type countingPullClient struct {
	fakeClient
	failUntil int
	attempt   int
	onAttempt func()
}

func (c *countingPullClient) ImageInspect(ctx context.Context, id string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{}, errNotFound{}
}

func (c *countingPullClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	c.attempt++
	if c.onAttempt != nil {
		c.onAttempt()
	}
	if c.attempt <= c.failUntil {
		return nil, errors.New("registry unavailable")
	}
	return io.NopCloser(strings.NewReader("")), nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }
func (errNotFound) NotFound()     {}
