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

// Package queue fronts the store's job table with a wake
// notification: after an insert it best-effort publishes a one-byte message
// on an AMQP queue and signals the Notifier's in-process Wakeups channel,
// which a worker can wait on instead of sleeping out its full poll interval.
// Nothing in this repository consumes the AMQP queue, so only enqueues made
// through the same Notifier wake a worker early. The store row is always the
// source of truth; losing the AMQP broker never costs correctness.
package queue

import (
	"log"

	"github.com/streadway/amqp"

	"github.com/codepr/dockyy/internal/apperr"
	"github.com/codepr/dockyy/internal/store"
)

const wakeQueueName = "dockyy.jobs"

// Notifier publishes a wake byte per enqueued job and delivers it to
// anything listening on Wakeups. A Notifier built by New with an empty URL
// publishes nothing to AMQP: Enqueue still inserts the job row and still
// signals Wakeups locally.
type Notifier struct {
	store   store.Store
	url     string
	logger  *log.Logger
	Wakeups chan struct{}
}

// New wraps st with wake notifications published against url. url may be
// empty, in which case Enqueue behaves like a plain store insert.
func New(st store.Store, url string, l *log.Logger) *Notifier {
	return &Notifier{
		store:   st,
		url:     url,
		logger:  l,
		Wakeups: make(chan struct{}, 1),
	}
}

// Enqueue inserts a new job row and, if an AMQP broker is configured,
// publishes a wake notification. A publish failure (no broker running) is
// swallowed: the worker's poll loop still picks the row up within its
// interval.
func (n *Notifier) Enqueue(jobType string, payload interface{}) (int64, error) {
	id, err := n.store.EnqueueJob(jobType, payload)
	if err != nil {
		return 0, err
	}
	n.publishWake()
	n.wakeLocal()
	return id, nil
}

func (n *Notifier) wakeLocal() {
	select {
	case n.Wakeups <- struct{}{}:
	default:
	}
}

func (n *Notifier) publishWake() {
	if n.url == "" {
		return
	}
	conn, err := amqp.Dial(n.url)
	if err != nil {
		n.logf("amqp dial failed, falling back to poll: %v", err)
		return
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		n.logf("amqp channel failed: %v", err)
		return
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(wakeQueueName, false, false, false, false, nil)
	if err != nil {
		n.logf("amqp queue declare failed: %v", err)
		return
	}

	err = ch.Publish("", q.Name, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        []byte{1},
	})
	if err != nil {
		n.logf("amqp publish failed: %v", err)
	}
}

func (n *Notifier) logf(format string, args ...interface{}) {
	if n.logger != nil {
		n.logger.Printf(format, args...)
	}
}

// PopPending passes straight through to the store's PopPendingJob. Notifier
// has no job-transition methods and does not implement store.Store.
func (n *Notifier) PopPending() (*store.Job, error) {
	job, err := n.store.PopPendingJob()
	if err != nil && !apperr.Is(err, apperr.KindNoJobs) {
		return nil, err
	}
	return job, err
}
