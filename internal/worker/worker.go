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

// Package worker runs the single long-lived driver that polls the job queue
// and dispatches each job to its executor. There is exactly one
// worker per process; the HTTP collaborator and any health sampling run as
// separate processes, not implemented here.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/codepr/dockyy/internal/apperr"
	"github.com/codepr/dockyy/internal/deploy"
	"github.com/codepr/dockyy/internal/store"
)

const pollInterval = 5 * time.Second

// Dispatch is the signature of a function that executes one job. The worker
// does not use it for dispatch: runJob switches on the job type, and only
// "deploy" is handled.
type Dispatch func(ctx context.Context, job *store.Job) error

// Worker polls store for pending jobs and runs them one at a time, in
// ascending creation order (guaranteed by store.PopPendingJob).
type Worker struct {
	Store    store.Store
	Executor *deploy.Executor
	Logger   *log.Logger
	// Wakeups, if non-nil, lets the worker skip the rest of its poll
	// interval when a job was just enqueued (see internal/queue).
	Wakeups <-chan struct{}
}

// Run loops until ctx is cancelled. Each iteration claims at most one job;
// there is no sleep between consecutive successful claims.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.Store.PopPendingJob()
		if err != nil {
			if apperr.Is(err, apperr.KindNoJobs) {
				w.sleep(ctx)
				continue
			}
			w.Logger.Println("worker: pop pending job:", err)
			w.sleep(ctx)
			continue
		}

		w.runJob(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-w.Wakeups:
	}
}

func (w *Worker) runJob(ctx context.Context, job *store.Job) {
	if err := w.Store.MarkJobRunning(job.ID); err != nil {
		w.Logger.Println("worker: mark job running:", err)
		return
	}

	var err error
	switch job.JobType {
	case "deploy":
		err = w.Executor.Execute(ctx, job.Payload)
	default:
		err = apperr.New(apperr.KindInvalidPayload, "Unknown job type: "+job.JobType)
	}

	if err != nil {
		w.Logger.Printf("worker: job %d failed: %v\n", job.ID, err)
		if mErr := w.Store.MarkJobFailed(job.ID, err.Error()); mErr != nil {
			w.Logger.Println("worker: mark job failed:", mErr)
		}
		return
	}

	if err := w.Store.MarkJobCompleted(job.ID); err != nil {
		w.Logger.Println("worker: mark job completed:", err)
	}
}
