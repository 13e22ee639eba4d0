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
	"fmt"
	"time"

	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/docker/docker/api/types/image"
)

// RegistryPuller pre-warms the local image cache by resolving and
// copying the manifest through an ORAS remote repository client whose
// HTTP transport already retries transient failures (retry.DefaultClient),
// then hands off to the Docker daemon's own pull — giving the
// image-pull path an already-retrying HTTP transport instead of a
// second hand-rolled one.
type RegistryPuller struct {
	PlainHTTP          bool
	Username, Password string
}

// NewRegistryPuller returns a puller that warms the ORAS content cache
// before delegating the actual pull to the Docker daemon.
func NewRegistryPuller(plainHTTP bool) *RegistryPuller {
	return &RegistryPuller{PlainHTTP: plainHTTP}
}

func (rp *RegistryPuller) repository(ref string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = rp.PlainHTTP
	if rp.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(repo.Reference.Registry, auth.Credential{
				Username: rp.Username,
				Password: rp.Password,
			}),
		}
	}
	return repo, nil
}

// EnsurePresent resolves the manifest via ORAS (exercising its retry
// transport against registry hiccups), retrying the copy per policy
// with DaemonPuller's backoff, and then issues one Docker daemon pull,
// which is not retried.
func (rp *RegistryPuller) EnsurePresent(ctx context.Context, cli DockerClient, img string, policy RetryPolicy) error {
	if _, err := cli.ImageInspect(ctx, img); err == nil {
		return nil
	}

	repo, err := rp.repository(img)
	if err != nil {
		return fmt.Errorf("sandbox: resolve registry repository: %w", err)
	}
	dst := memory.New()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		_, err := oras.Copy(ctx, repo, img, dst, img, oras.DefaultCopyOptions)
		if err == nil {
			lastErr = nil
			break
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
	if lastErr != nil {
		return fmt.Errorf("sandbox: registry resolve exhausted retries: %w", lastErr)
	}

	rc, err := cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: daemon pull after registry resolve: %w", err)
	}
	defer rc.Close()
	return nil
}
