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

// Package store is the narrow query surface the rest of the core depends on
// so nothing outside this package builds SQL inline. The core
// never holds a transaction open across an adapter call or a subprocess
// invocation; the single-worker invariant removes any need for one.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codepr/dockyy/internal/apperr"

	_ "modernc.org/sqlite"
)

// Store is the interface the deploy executor, worker, and webhook
// collaborator depend on. A single exclusive lock (see DB below) serialises
// every query; throughput is dominated by subprocesses and container calls,
// not by the store itself.
type Store interface {
	GetRepository(id int64) (*Repository, error)
	FindRepositoryByURLOrName(urlOrFullName string) (*Repository, error)
	ListEnvVars(repoID int64) ([]EnvVar, error)
	UpsertEnvVar(repoID int64, key, value string) error

	EnqueueJob(jobType string, payload interface{}) (int64, error)
	PopPendingJob() (*Job, error)
	MarkJobRunning(id int64) error
	MarkJobCompleted(id int64) error
	MarkJobFailed(id int64, reason string) error

	CreateDeployment(repoID int64) (int64, error)
	MarkDeploymentSuccess(id int64, commitSHA string, outcome DeploymentOutcome) error
	MarkDeploymentFailed(id int64, reason string) error
	ListDeployments(repoID int64) ([]Deployment, error)
}

// DB is the concrete sqlite-backed adapter. It serialises every query
// through a single mutex, deliberately: the bottleneck in this system is
// git/build/container subprocesses, never the store.
type DB struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (or attaches to) the sqlite file at path and runs the schema
// migration if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "open store", err)
	}
	conn.SetMaxOpenConns(1)
	d := &DB{db: conn}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	owner TEXT NOT NULL,
	url TEXT NOT NULL,
	ssh_key TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT 'main',
	domain TEXT NOT NULL DEFAULT '',
	proxy_port INTEGER NOT NULL DEFAULT 3000,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS env_vars (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(repo_id, key)
);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	result TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS deployments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'building',
	commit_sha TEXT NOT NULL DEFAULT '',
	image_name TEXT NOT NULL DEFAULT '',
	container_id TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	build_log TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := d.db.Exec(schema)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "migrate store", err)
	}
	return nil
}

func (d *DB) GetRepository(id int64) (*Repository, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.db.QueryRow(`SELECT id, name, owner, url, ssh_key, default_branch,
		domain, proxy_port, created_at, updated_at FROM repositories WHERE id = ?`, id)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("repository %d not found", id))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "get repository", err)
	}
	return repo, nil
}

// FindRepositoryByURLOrName implements the lookup the webhook collaborator
// needs: match either the exact stored URL or the owner/name
// pair. When two repositories share a name across owners the first match,
// ordered by id ascending, wins.
func (d *DB) FindRepositoryByURLOrName(urlOrFullName string) (*Repository, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT id, name, owner, url, ssh_key, default_branch,
		domain, proxy_port, created_at, updated_at FROM repositories
		WHERE url = ? OR (owner || '/' || name) = ? ORDER BY id ASC LIMIT 1`,
		urlOrFullName, urlOrFullName)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "find repository", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, apperr.New(apperr.KindNotFound, "no repository matches "+urlOrFullName)
	}
	repo, err := scanRepositoryRows(rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "scan repository", err)
	}
	return repo, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRepository(row scannable) (*Repository, error) {
	return scanInto(row)
}

func scanRepositoryRows(row scannable) (*Repository, error) {
	return scanInto(row)
}

func scanInto(row scannable) (*Repository, error) {
	var r Repository
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Name, &r.Owner, &r.URL, &r.SSHKey, &r.DefaultBranch,
		&r.Domain, &r.ProxyPort, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	r.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
	return &r, nil
}

func (d *DB) ListEnvVars(repoID int64) ([]EnvVar, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT id, repo_id, key, value, created_at, updated_at
		FROM env_vars WHERE repo_id = ? ORDER BY key ASC`, repoID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "list env vars", err)
	}
	defer rows.Close()

	var out []EnvVar
	for rows.Next() {
		var e EnvVar
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.RepoID, &e.Key, &e.Value, &createdAt, &updatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreError, "scan env var", err)
		}
		e.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		e.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
		out = append(out, e)
	}
	return out, nil
}

func (d *DB) UpsertEnvVar(repoID int64, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT INTO env_vars (repo_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(repo_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		repoID, key, value)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "upsert env var", err)
	}
	return nil
}

func (d *DB) EnqueueJob(jobType string, payload interface{}) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInvalidPayload, "marshal job payload", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`INSERT INTO jobs (job_type, payload) VALUES (?, ?)`, jobType, string(raw))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStoreError, "enqueue job", err)
	}
	return res.LastInsertId()
}

// PopPendingJob returns the oldest pending job, ordered by creation time
// ascending. It does not transition the job's status.
func (d *DB) PopPendingJob() (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.db.QueryRow(`SELECT id, job_type, payload, status, result, attempts,
		max_attempts, created_at, updated_at FROM jobs
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`)

	var j Job
	var createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.Result, &j.Attempts,
		&j.MaxAttempts, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNoJobs, "no pending jobs")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "pop pending job", err)
	}
	j.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	j.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
	return &j, nil
}

func (d *DB) MarkJobRunning(id int64) error {
	return d.execJob(`UPDATE jobs SET status = 'running', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
}

func (d *DB) MarkJobCompleted(id int64) error {
	return d.execJob(`UPDATE jobs SET status = 'completed', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
}

func (d *DB) MarkJobFailed(id int64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE jobs SET status = 'failed', result = ?, attempts = attempts + 1,
		updated_at = CURRENT_TIMESTAMP WHERE id = ?`, reason, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "mark job failed", err)
	}
	return nil
}

func (d *DB) execJob(query string, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(query, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "transition job", err)
	}
	return nil
}

func (d *DB) CreateDeployment(repoID int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`INSERT INTO deployments (repo_id, status) VALUES (?, 'building')`, repoID)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStoreError, "create deployment", err)
	}
	return res.LastInsertId()
}

func (d *DB) MarkDeploymentSuccess(id int64, commitSHA string, outcome DeploymentOutcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE deployments SET status = 'success', commit_sha = ?,
		container_id = ?, image_name = ?, build_log = ?, domain = ?, port = ?,
		updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		commitSHA, outcome.ContainerID, outcome.ImageName, outcome.BuildLog,
		outcome.Domain, outcome.Port, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "mark deployment success", err)
	}
	return nil
}

func (d *DB) MarkDeploymentFailed(id int64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE deployments SET status = 'failed', build_log = ?,
		updated_at = CURRENT_TIMESTAMP WHERE id = ?`, reason, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "mark deployment failed", err)
	}
	return nil
}

func (d *DB) ListDeployments(repoID int64) ([]Deployment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT id, repo_id, status, commit_sha, image_name,
		container_id, domain, port, build_log, created_at, updated_at
		FROM deployments WHERE repo_id = ? ORDER BY created_at DESC`, repoID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreError, "list deployments", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		var dep Deployment
		var createdAt, updatedAt string
		if err := rows.Scan(&dep.ID, &dep.RepoID, &dep.Status, &dep.CommitSHA, &dep.ImageName,
			&dep.ContainerID, &dep.Domain, &dep.Port, &dep.BuildLog, &createdAt, &updatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreError, "scan deployment", err)
		}
		dep.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		dep.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
		out = append(out, dep)
	}
	return out, nil
}
