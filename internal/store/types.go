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

package store

import "time"

// Repository is a Git source plus the routing configuration used to wire
// its deployed container into the proxy.
type Repository struct {
	ID            int64
	Name          string
	Owner         string
	URL           string
	SSHKey        string
	DefaultBranch string
	Domain        string
	ProxyPort     int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FullName is the owner/name pair the webhook collaborator matches on.
func (r Repository) FullName() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// EnvVar is one (repo, key) -> value pair injected into the deployed container.
type EnvVar struct {
	ID        int64
	RepoID    int64
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is a unit of work claimed by the worker. Only "deploy" is defined by
// the core, but job_type is a free string so future job kinds fit without a
// schema change.
type Job struct {
	ID          int64
	JobType     string
	Payload     string
	Status      string
	Result      string
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	DeploymentStatusBuilding = "building"
	DeploymentStatusSuccess  = "success"
	DeploymentStatusFailed   = "failed"
)

// Deployment is one execution of the deploy state machine, append-only.
type Deployment struct {
	ID          int64
	RepoID      int64
	Status      string
	CommitSHA   string
	ImageName   string
	ContainerID string
	Domain      string
	Port        int
	BuildLog    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeploymentOutcome carries the fields recorded when a deployment finishes
// successfully.
type DeploymentOutcome struct {
	ContainerID string
	ImageName   string
	BuildLog    string
	Domain      string
	Port        int
}
