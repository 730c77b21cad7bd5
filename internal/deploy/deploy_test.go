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

package deploy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/codepr/dockyy/internal/apperr"
	"github.com/codepr/dockyy/internal/container"
	"github.com/codepr/dockyy/internal/procrunner"
	"github.com/codepr/dockyy/internal/store"
)

// fakeRunner replays scripted results keyed on the executable name so tests
// don't shell out to git/nixpacks/docker.
type fakeRunner struct {
	results map[string]procrunner.Result
	errs    map[string]error
	calls   []procrunner.Spec
}

func (f *fakeRunner) Run(_ context.Context, spec procrunner.Spec) (procrunner.Result, error) {
	f.calls = append(f.calls, spec)
	if err, ok := f.errs[spec.Name]; ok {
		return procrunner.Result{}, err
	}
	return f.results[spec.Name], nil
}

type fakeContainers struct {
	existing  []container.Info
	removed   []string
	created   container.CreateSpec
	createErr error
}

func (f *fakeContainers) ListByName(_ context.Context, name string) ([]container.Info, error) {
	var out []container.Info
	for _, c := range f.existing {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeContainers) Stop(_ context.Context, id string) error { return nil }

func (f *fakeContainers) Remove(_ context.Context, id string, force bool) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeContainers) Create(_ context.Context, spec container.CreateSpec) (string, error) {
	f.created = spec
	if f.createErr != nil {
		return "", f.createErr
	}
	return "new-container-id", nil
}

func (f *fakeContainers) Start(_ context.Context, id string) error { return nil }

type fakeProxy struct{ ensured int }

func (f *fakeProxy) EnsureNetwork(_ context.Context) error {
	f.ensured++
	return nil
}

// fakeStore implements store.Store entirely in memory for the executor's
// own test suite.
type fakeStore struct {
	repos       map[int64]*store.Repository
	envVars     map[int64][]store.EnvVar
	deployments map[int64]*store.Deployment
	nextDepID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos:       map[int64]*store.Repository{},
		envVars:     map[int64][]store.EnvVar{},
		deployments: map[int64]*store.Deployment{},
	}
}

func (s *fakeStore) GetRepository(id int64) (*store.Repository, error) {
	r, ok := s.repos[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "repository not found")
	}
	return r, nil
}

func (s *fakeStore) FindRepositoryByURLOrName(urlOrFullName string) (*store.Repository, error) {
	for _, r := range s.repos {
		if r.URL == urlOrFullName || r.FullName() == urlOrFullName {
			return r, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "no match")
}

func (s *fakeStore) ListEnvVars(repoID int64) ([]store.EnvVar, error) {
	return s.envVars[repoID], nil
}

func (s *fakeStore) UpsertEnvVar(repoID int64, key, value string) error {
	s.envVars[repoID] = append(s.envVars[repoID], store.EnvVar{RepoID: repoID, Key: key, Value: value})
	return nil
}

func (s *fakeStore) EnqueueJob(jobType string, payload interface{}) (int64, error) { return 1, nil }
func (s *fakeStore) PopPendingJob() (*store.Job, error) {
	return nil, apperr.New(apperr.KindNoJobs, "no jobs")
}
func (s *fakeStore) MarkJobRunning(id int64) error           { return nil }
func (s *fakeStore) MarkJobCompleted(id int64) error         { return nil }
func (s *fakeStore) MarkJobFailed(id int64, reason string) error { return nil }

func (s *fakeStore) CreateDeployment(repoID int64) (int64, error) {
	s.nextDepID++
	s.deployments[s.nextDepID] = &store.Deployment{ID: s.nextDepID, RepoID: repoID, Status: store.DeploymentStatusBuilding}
	return s.nextDepID, nil
}

func (s *fakeStore) MarkDeploymentSuccess(id int64, commitSHA string, outcome store.DeploymentOutcome) error {
	d := s.deployments[id]
	d.Status = store.DeploymentStatusSuccess
	d.CommitSHA = commitSHA
	d.ContainerID = outcome.ContainerID
	d.ImageName = outcome.ImageName
	d.BuildLog = outcome.BuildLog
	d.Domain = outcome.Domain
	d.Port = outcome.Port
	return nil
}

func (s *fakeStore) MarkDeploymentFailed(id int64, reason string) error {
	d := s.deployments[id]
	d.Status = store.DeploymentStatusFailed
	d.BuildLog = reason
	return nil
}

func (s *fakeStore) ListDeployments(repoID int64) ([]store.Deployment, error) {
	var out []store.Deployment
	for _, d := range s.deployments {
		if d.RepoID == repoID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func newExecutor(t *testing.T, st *fakeStore, runner *fakeRunner, containers *fakeContainers, px *fakeProxy) *Executor {
	t.Helper()
	dataDir := t.TempDir()
	return &Executor{
		Store:      st,
		Runner:     runner,
		Containers: containers,
		Proxy:      px,
		DataDir:    dataDir,
		Engine:     "docker",
	}
}

func TestExecuteMissingRepoID(t *testing.T) {
	e := newExecutor(t, newFakeStore(), &fakeRunner{}, &fakeContainers{}, &fakeProxy{})
	err := e.Execute(context.Background(), `{}`)
	if !apperr.Is(err, apperr.KindInvalidPayload) {
		t.Fatalf("expected InvalidPayload, got %v", err)
	}
}

func TestExecuteUnknownRepo(t *testing.T) {
	e := newExecutor(t, newFakeStore(), &fakeRunner{}, &fakeContainers{}, &fakeProxy{})
	err := e.Execute(context.Background(), `{"repo_id":42}`)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestExecuteFreshDeployNoDomain(t *testing.T) {
	st := newFakeStore()
	st.repos[1] = &store.Repository{ID: 1, Name: "Acme/App", URL: "https://example.com/acme/app.git", DefaultBranch: "main"}

	runner := &fakeRunner{results: map[string]procrunner.Result{
		"git":      {ExitCode: 0, Stdout: "cloned"},
		"nixpacks": {ExitCode: 0, Stdout: "built with nixpacks"},
	}}
	containers := &fakeContainers{}
	px := &fakeProxy{}
	e := newExecutor(t, st, runner, containers, px)

	if err := e.Execute(context.Background(), `{"repo_id":1}`); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	deployments, _ := st.ListDeployments(1)
	if len(deployments) != 1 || deployments[0].Status != store.DeploymentStatusSuccess {
		t.Fatalf("expected one successful deployment, got %+v", deployments)
	}
	if deployments[0].ImageName != "dockyy-acme-app:latest" {
		t.Errorf("unexpected image name: %s", deployments[0].ImageName)
	}
	if deployments[0].Domain != "" {
		t.Errorf("expected no domain label path, got %q", deployments[0].Domain)
	}
	if containers.created.Name != "dockyy-acme-app" {
		t.Errorf("unexpected container name: %s", containers.created.Name)
	}
	if len(containers.created.Labels) != 0 {
		t.Errorf("expected no traefik labels without a domain, got %+v", containers.created.Labels)
	}
	if px.ensured != 1 {
		t.Errorf("expected EnsureNetwork to be called once, got %d", px.ensured)
	}
}

func TestExecuteDeployWithDomainAndPort(t *testing.T) {
	st := newFakeStore()
	st.repos[1] = &store.Repository{
		ID: 1, Name: "Acme/App", URL: "https://example.com/acme/app.git",
		DefaultBranch: "main", Domain: "app.example", ProxyPort: 8080,
	}
	runner := &fakeRunner{results: map[string]procrunner.Result{
		"git":      {ExitCode: 0},
		"nixpacks": {ExitCode: 0, Stdout: "built"},
	}}
	containers := &fakeContainers{existing: []container.Info{{ID: "old-id", Name: "dockyy-acme-app"}}}
	e := newExecutor(t, st, runner, containers, &fakeProxy{})

	if err := e.Execute(context.Background(), `{"repo_id":1}`); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(containers.removed) != 1 || containers.removed[0] != "old-id" {
		t.Errorf("expected the previous container to be removed, got %+v", containers.removed)
	}
	rule := containers.created.Labels["traefik.http.routers.dockyy-acme-app.rule"]
	if rule != "Host(`app.example`)" {
		t.Errorf("unexpected rule label: %q", rule)
	}
	port := containers.created.Labels["traefik.http.services.dockyy-acme-app.loadbalancer.server.port"]
	if port != "8080" {
		t.Errorf("expected port label 8080, got %q", port)
	}
}

func TestExecuteGitCloneFailureFinalisesDeploymentAsFailed(t *testing.T) {
	st := newFakeStore()
	st.repos[1] = &store.Repository{ID: 1, Name: "Acme/App", URL: "git@invalid:nope.git", DefaultBranch: "main"}

	runner := &fakeRunner{results: map[string]procrunner.Result{
		"git": {ExitCode: 128, Stderr: "fatal: could not read Username"},
	}}
	containers := &fakeContainers{}
	e := newExecutor(t, st, runner, containers, &fakeProxy{})

	err := e.Execute(context.Background(), `{"repo_id":1}`)
	if !apperr.Is(err, apperr.KindExternalProcessFailed) {
		t.Fatalf("expected ExternalProcessFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "could not read Username") {
		t.Errorf("expected stderr in error text, got %v", err)
	}

	deployments, _ := st.ListDeployments(1)
	if len(deployments) != 1 || deployments[0].Status != store.DeploymentStatusFailed {
		t.Fatalf("expected one failed deployment, got %+v", deployments)
	}
	if containers.created.Name != "" {
		t.Error("expected no container to be created after a clone failure")
	}
}

func TestPrepareGitTransportEmptyKeyWritesNoFile(t *testing.T) {
	st := newFakeStore()
	e := newExecutor(t, st, &fakeRunner{}, &fakeContainers{}, &fakeProxy{})
	repo := &store.Repository{ID: 7, SSHKey: "   "}

	env, cleanup, err := e.prepareGitTransport(repo)
	defer cleanup()
	if err != nil {
		t.Fatalf("prepareGitTransport: %v", err)
	}
	if strings.Contains(env["GIT_SSH_COMMAND"], "-i ") {
		t.Errorf("expected no -i flag for a blank key, got %q", env["GIT_SSH_COMMAND"])
	}
	if _, statErr := os.Stat(fmt.Sprintf("%s/repos/7_id_rsa", e.DataDir)); !os.IsNotExist(statErr) {
		t.Error("expected no key file to be written for a blank ssh key")
	}
}

func TestPrepareGitTransportWritesAndCleansUpKey(t *testing.T) {
	st := newFakeStore()
	e := newExecutor(t, st, &fakeRunner{}, &fakeContainers{}, &fakeProxy{})
	os.MkdirAll(e.DataDir+"/repos", 0o755)
	repo := &store.Repository{ID: 9, SSHKey: "-----BEGIN KEY-----\nfake\n-----END KEY-----"}

	env, cleanup, err := e.prepareGitTransport(repo)
	if err != nil {
		t.Fatalf("prepareGitTransport: %v", err)
	}
	keyPath := fmt.Sprintf("%s/repos/9_id_rsa", e.DataDir)
	if !strings.Contains(env["GIT_SSH_COMMAND"], keyPath) {
		t.Errorf("expected GIT_SSH_COMMAND to reference %s, got %q", keyPath, env["GIT_SSH_COMMAND"])
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("expected key file to exist: %v", err)
	}

	cleanup()
	if _, err := os.Stat(keyPath); !os.IsNotExist(err) {
		t.Error("expected key file to be removed after cleanup")
	}
}

func TestSlugify(t *testing.T) {
	if got := slugify("Acme/App"); got != "acme-app" {
		t.Errorf("expected acme-app, got %q", got)
	}
}
