/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package sandbox

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DaemonPuller ensures image presence using the Docker daemon's own
// inspect/pull calls, retried with the policy's exponential backoff —
// grounded on the control plane job scheduler's
// resolvedRetryPolicy.nextRetryDelay shape.
type DaemonPuller struct{}

// NewDaemonPuller returns a puller that drives the Docker daemon directly.
func NewDaemonPuller() *DaemonPuller { return &DaemonPuller{} }

// EnsurePresent inspects the image locally; on a not-found error it
// pulls, retrying up to policy.MaxAttempts with exponential backoff.
func (DaemonPuller) EnsurePresent(ctx context.Context, cli DockerClient, img string, policy RetryPolicy) error {
	if _, err := cli.ImageInspect(ctx, img); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		rc, err := cli.ImagePull(ctx, img, image.PullOptions{})
		if err == nil {
			_, _ = io.Copy(io.Discard, rc)
			_ = rc.Close()
			return nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.delay(attempt)):
		}
	}
	return errors.New("sandbox: image pull exhausted retries: " + lastErr.Error())
}
