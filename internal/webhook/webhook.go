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

// Package webhook decodes inbound GitHub push events and turns them into a
// deploy job for whichever repository matches by clone URL or full name.
// The HTTP surface itself is out of core scope; this package only owns the
// decode-and-match step the core's job queue contract depends on.
package webhook

import (
	"log"
	"net/http"
	"strconv"

	"github.com/google/go-github/v32/github"

	"github.com/codepr/dockyy/internal/apperr"
	"github.com/codepr/dockyy/internal/deploy"
	"github.com/codepr/dockyy/internal/store"
)

// Enqueuer is the subset of queue.Notifier the handler needs.
type Enqueuer interface {
	Enqueue(jobType string, payload interface{}) (int64, error)
}

// Handler decodes a GitHub push event, resolves its repository against the
// store, and enqueues a "deploy" job for it.
type Handler struct {
	Store  store.Store
	Queue  Enqueuer
	Secret []byte
	Logger *log.Logger
}

// ServeHTTP implements http.Handler so the out-of-scope HTTP layer can
// mount this directly.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := github.ValidatePayload(r, h.Secret)
	if err != nil {
		h.Logger.Println("webhook: invalid payload signature:", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	defer r.Body.Close()

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		h.Logger.Println("webhook: could not parse event:", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	push, ok := event.(*github.PushEvent)
	if !ok {
		h.Logger.Printf("webhook: ignored event type %s\n", github.WebHookType(r))
		w.WriteHeader(http.StatusOK)
		return
	}

	jobID, err := h.handlePush(push)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Logger.Println("webhook: enqueue deploy:", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"job_id":` + strconv.FormatInt(jobID, 10) + `}`))
}

// handlePush resolves the pushed repository against the store by either its
// clone URL or its owner/name pair, then enqueues a deploy job carrying the
// resolved repository id and the head commit sha.
func (h *Handler) handlePush(e *github.PushEvent) (int64, error) {
	cloneURL := e.GetRepo().GetCloneURL()
	fullName := e.GetRepo().GetFullName()

	repo, err := h.Store.FindRepositoryByURLOrName(cloneURL)
	if err != nil {
		repo, err = h.Store.FindRepositoryByURLOrName(fullName)
	}
	if err != nil {
		return 0, err
	}

	return h.Queue.Enqueue("deploy", deploy.Payload{
		RepoID:    repo.ID,
		CommitSHA: e.GetHeadCommit().GetID(),
		CloneURL:  cloneURL,
	})
}
