// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package deploy implements the state machine that turns one "deploy" job
// into a running, routed container: fetch source, build an
// image, swap the previous container, record the outcome.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/codepr/dockyy/internal/apperr"
	"github.com/codepr/dockyy/internal/container"
	"github.com/codepr/dockyy/internal/procrunner"
	"github.com/codepr/dockyy/internal/proxy"
	"github.com/codepr/dockyy/internal/store"
)

// Payload is the JSON shape carried by a "deploy" job.
type Payload struct {
	RepoID    int64  `json:"repo_id"`
	CommitSHA string `json:"commit_sha,omitempty"`
	CloneURL  string `json:"clone_url,omitempty"`
}

// Runner is the subset of procrunner.Runner the executor needs, so tests can
// substitute a fake without shelling out.
type Runner interface {
	Run(ctx context.Context, spec procrunner.Spec) (procrunner.Result, error)
}

// Containers is the subset of *container.Adapter the swap step needs
//. *container.Adapter satisfies this implicitly; tests
// substitute a fake so they don't need a reachable engine socket.
type Containers interface {
	ListByName(ctx context.Context, name string) ([]container.Info, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Create(ctx context.Context, spec container.CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
}

// ProxyController is the subset of *proxy.Controller the swap step needs.
type ProxyController interface {
	EnsureNetwork(ctx context.Context) error
}

// Executor drives one deploy job end to end. It holds no per-job state; all
// of it lives in the store rows it creates and mutates.
type Executor struct {
	Store      store.Store
	Runner     Runner
	Containers Containers
	Proxy      ProxyController
	DataDir    string
	Engine     string // container engine CLI, e.g. "docker"
	Logger     *log.Logger
}

// Execute runs the full pipeline for one job's raw JSON payload. An invalid
// payload, an unknown repository or a failure to create the deployment row
// is returned before any deployment row exists. Once the row exists, every
// failure point finalises it as failed with the returned error's text
// before Execute returns.
func (e *Executor) Execute(ctx context.Context, rawPayload string) error {
	var payload Payload
	if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil || payload.RepoID == 0 {
		return apperr.New(apperr.KindInvalidPayload, "job payload missing repo_id")
	}

	repo, err := e.Store.GetRepository(payload.RepoID)
	if err != nil {
		return err
	}

	deploymentID, err := e.Store.CreateDeployment(repo.ID)
	if err != nil {
		return err
	}

	fail := func(err error) error {
		e.Store.MarkDeploymentFailed(deploymentID, err.Error())
		return err
	}

	repoDir := filepath.Join(e.DataDir, "repos", strconv.FormatInt(repo.ID, 10))
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return fail(apperr.Wrap(apperr.KindStoreError, "create repo workspace", err))
	}

	sshEnv, cleanup, err := e.prepareGitTransport(repo)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	if err := e.fetchSource(ctx, repo, repoDir, sshEnv); err != nil {
		return fail(err)
	}

	commitSHA := payload.CommitSHA
	if commitSHA == "" {
		commitSHA = headCommitSHA(repoDir)
	}

	slug := slugify(repo.Name)
	tag := fmt.Sprintf("dockyy-%s:latest", slug)
	buildLog, err := e.buildImage(ctx, repoDir, tag)
	if err != nil {
		return fail(err)
	}

	containerName := "dockyy-" + slug
	containerID, err := e.swapContainer(ctx, repo, containerName, tag)
	if err != nil {
		return fail(err)
	}

	port := repo.ProxyPort
	if port == 0 {
		port = 3000
	}
	outcome := store.DeploymentOutcome{
		ContainerID: containerID,
		ImageName:   tag,
		BuildLog:    buildLog,
	}
	if repo.Domain != "" {
		outcome.Domain = repo.Domain
		outcome.Port = port
	}
	if err := e.Store.MarkDeploymentSuccess(deploymentID, commitSHA, outcome); err != nil {
		return fail(err)
	}
	return nil
}

// prepareGitTransport writes the repository's transient SSH key (if any)
// and returns the GIT_SSH_COMMAND overlay plus a cleanup func that removes
// the key file. An empty/whitespace-only key is treated as "no key": no
// file is written, no -i flag is used.
func (e *Executor) prepareGitTransport(repo *store.Repository) (map[string]string, func(), error) {
	key := strings.TrimSpace(repo.SSHKey)
	if key == "" {
		return map[string]string{
			"GIT_SSH_COMMAND": "ssh -o StrictHostKeyChecking=no",
		}, func() {}, nil
	}

	keyPath := filepath.Join(e.DataDir, "repos", strconv.FormatInt(repo.ID, 10)+"_id_rsa")
	if err := os.WriteFile(keyPath, []byte(key), 0o600); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindStoreError, "write ssh key", err)
	}

	cleanup := func() {
		if err := os.Remove(keyPath); err != nil && !os.IsNotExist(err) {
			e.logf("failed to remove transient ssh key %s: %v", keyPath, err)
		}
	}

	return map[string]string{
		"GIT_SSH_COMMAND": fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no", keyPath),
	}, cleanup, nil
}

// fetchSource clones the repository if it has never been pulled before,
// otherwise pulls the configured default branch.
func (e *Executor) fetchSource(ctx context.Context, repo *store.Repository, repoDir string, env map[string]string) error {
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil {
		branch := repo.DefaultBranch
		if branch == "" {
			branch = "main"
		}
		res, err := e.Runner.Run(ctx, procrunner.Spec{
			Name: "git",
			Args: []string{"-C", repoDir, "pull", "origin", branch},
			Env:  env,
		})
		if err != nil {
			return apperr.Wrap(apperr.KindExternalProcessFailed, "git pull launch failed", err)
		}
		if !res.Success() {
			return apperr.New(apperr.KindExternalProcessFailed, res.Stderr)
		}
		return nil
	}

	res, err := e.Runner.Run(ctx, procrunner.Spec{
		Name: "git",
		Args: []string{"clone", repo.URL, repoDir},
		Env:  env,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindExternalProcessFailed, "git clone launch failed", err)
	}
	if !res.Success() {
		return apperr.New(apperr.KindExternalProcessFailed, res.Stderr)
	}
	return nil
}

// buildImage tries a Nixpacks-style builder first, falling back to the
// container engine's native `build -t` when the preferred builder is
// missing or fails.
func (e *Executor) buildImage(ctx context.Context, repoDir, tag string) (string, error) {
	res, err := e.Runner.Run(ctx, procrunner.Spec{
		Name: "nixpacks",
		Args: []string{"build", repoDir, "--name", tag},
	})
	if err == nil && res.Success() {
		return res.Stdout, nil
	}

	engine := e.Engine
	if engine == "" {
		engine = "docker"
	}
	fallback, ferr := e.Runner.Run(ctx, procrunner.Spec{
		Name: engine,
		Args: []string{"build", "-t", tag, repoDir},
	})
	if ferr != nil {
		return "", apperr.Wrap(apperr.KindExternalProcessFailed, "image build launch failed", ferr)
	}
	if !fallback.Success() {
		return "", apperr.New(apperr.KindExternalProcessFailed, fallback.Stderr)
	}
	return fallback.Stdout, nil
}

// swapContainer stops and force-removes any previous container sharing the
// target name, then starts a freshly built one on the proxy network, wiring
// in routing labels when the repository has a domain configured.
func (e *Executor) swapContainer(ctx context.Context, repo *store.Repository, name, tag string) (string, error) {
	existing, err := e.Containers.ListByName(ctx, name)
	if err != nil {
		return "", err
	}
	for _, info := range existing {
		if err := e.Containers.Stop(ctx, info.ID); err != nil {
			return "", err
		}
		if err := e.Containers.Remove(ctx, info.ID, true); err != nil {
			return "", err
		}
	}

	if err := e.Proxy.EnsureNetwork(ctx); err != nil {
		return "", err
	}

	envVars, err := e.Store.ListEnvVars(repo.ID)
	if err != nil {
		return "", err
	}
	env := make([]string, 0, len(envVars))
	for _, v := range envVars {
		env = append(env, v.Key+"="+v.Value)
	}

	spec := container.CreateSpec{
		Name:          name,
		Image:         tag,
		Env:           env,
		NetworkMode:   proxy.Network,
		RestartAlways: true,
	}
	if repo.Domain != "" {
		port := repo.ProxyPort
		if port == 0 {
			port = 3000
		}
		spec.Labels = proxy.RoutingLabels(name, repo.Domain, port)
	}

	id, err := e.Containers.Create(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := e.Containers.Start(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (e *Executor) logf(format string, args ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// slugify lowercases name and replaces "/" with "-", used as both the image
// tag body and the container name suffix.
func slugify(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "/", "-")
}

// headCommitSHA opens the freshly cloned/pulled working tree with go-git and
// reads HEAD, filling in the deployment's commit sha when the triggering
// payload didn't already carry one. A read failure here is not fatal to the
// deployment: it simply leaves commit_sha blank.
func headCommitSHA(repoDir string) string {
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
