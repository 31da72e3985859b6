// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/moby/buildkit/client"
	"github.com/moby/buildkit/client/llb"
	"golang.org/x/sync/errgroup"

	"github.com/antbs-project/antbs/pkg/service/buildkit"
)

// BuildKit runs sandboxes as single-step BuildKit solves: a base image
// plus one Run op with the spec's binds as local-directory mounts.
//
// BuildKit's LLB model has no notion of a raw process exit code — a step
// that exits non-zero surfaces as a solve error, nothing more specific.
// Wait therefore maps a nil Solve error to exit code 0 and any Solve error
// to exit code 1; callers that need the script's precise exit code should
// have the script itself write it to a bind-mounted file.
type BuildKit struct {
	pool *buildkit.Pool

	mu      sync.Mutex
	byName  map[string]Handle
	results map[Handle]*bkResult
	seq     int
}

type bkResult struct {
	done    chan struct{}
	status  Status
	err     error
	spec    Spec
	backend string
}

// NewBuildKit returns a BuildKit executor backed by pool.
func NewBuildKit(pool *buildkit.Pool) *BuildKit {
	return &BuildKit{
		pool:    pool,
		byName:  make(map[string]Handle),
		results: make(map[Handle]*bkResult),
	}
}

func (b *BuildKit) Create(ctx context.Context, spec Spec) (Handle, error, error) {
	backend, err := b.pool.SelectAndAcquire("x86_64")
	if err != nil {
		return "", nil, fmt.Errorf("selecting buildkit backend: %w", err)
	}

	b.mu.Lock()
	b.seq++
	h := Handle(fmt.Sprintf("bk-%s-%d", spec.Name, b.seq))
	b.results[h] = &bkResult{done: make(chan struct{}), spec: spec, backend: backend.Addr}
	b.byName[spec.Name] = h
	b.mu.Unlock()

	return h, nil, nil
}

func (b *BuildKit) Start(ctx context.Context, handle Handle, logw io.Writer) error {
	b.mu.Lock()
	res, ok := b.results[handle]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("sandbox: unknown handle %s", handle)
	}

	bk, err := client.New(ctx, res.backend)
	if err != nil {
		b.pool.Release(res.backend)
		return fmt.Errorf("connecting to buildkit backend %s: %w", res.backend, err)
	}

	go func() {
		defer bk.Close()
		err := b.solve(ctx, bk, res.spec, logw)
		b.pool.Release(res.backend)

		b.mu.Lock()
		res.status.Done = true
		if err != nil {
			res.status.ExitCode = 1
			res.err = err
		} else {
			res.status.ExitCode = 0
		}
		b.mu.Unlock()
		close(res.done)
	}()

	b.mu.Lock()
	res.status.Running = true
	b.mu.Unlock()
	return nil
}

func (b *BuildKit) solve(ctx context.Context, bk *client.Client, spec Spec, logw io.Writer) error {
	image := spec.Image
	if image == "" {
		image = "docker.io/library/alpine:latest"
	}
	st := llb.Image(image)

	opts := []llb.RunOption{
		llb.Args(spec.Command),
	}
	if spec.Workdir != "" {
		opts = append(opts, llb.Dir(spec.Workdir))
	}
	for k, v := range spec.Env {
		opts = append(opts, llb.AddEnv(k, v))
	}
	for _, bind := range spec.Binds {
		mountOpts := []llb.MountOption{}
		if bind.ReadOnly {
			mountOpts = append(mountOpts, llb.Readonly)
		}
		opts = append(opts, llb.AddMount(bind.ContainerPath, llb.Local(localName(bind.HostPath)), mountOpts...))
	}

	run := st.Run(opts...)
	def, err := run.Root().Marshal(ctx)
	if err != nil {
		return fmt.Errorf("marshaling sandbox LLB for %s: %w", spec.Name, err)
	}

	statusCh := make(chan *client.SolveStatus)
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		for st := range statusCh {
			for _, v := range st.Logs {
				if logw != nil {
					_, _ = logw.Write(v.Data)
				}
			}
		}
		return nil
	})
	eg.Go(func() error {
		_, err := bk.Solve(egCtx, def, client.SolveOpt{}, statusCh)
		return err
	})

	return eg.Wait()
}

// localName derives a stable LLB local-mount name from a host path.
func localName(hostPath string) string {
	return "bind-" + hostPath
}

func (b *BuildKit) Wait(ctx context.Context, handle Handle) (Status, error) {
	b.mu.Lock()
	res, ok := b.results[handle]
	b.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("sandbox: unknown handle %s", handle)
	}

	select {
	case <-res.done:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return res.status, res.err
}

func (b *BuildKit) Inspect(_ context.Context, handle Handle) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.results[handle]
	if !ok {
		return Status{}, fmt.Errorf("sandbox: unknown handle %s", handle)
	}
	return res.status, nil
}

func (b *BuildKit) Remove(ctx context.Context, handle Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if res, ok := b.results[handle]; ok {
		delete(b.byName, res.spec.Name)
	}
	delete(b.results, handle)
	return nil
}

func (b *BuildKit) RemoveByName(ctx context.Context, name string) error {
	b.mu.Lock()
	h, ok := b.byName[name]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	clog.FromContext(ctx).Debugf("sandbox: pre-cleaning prior sandbox for %s", name)
	return b.Remove(ctx, h)
}
