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

// dockyyd is the worker process: it ensures the proxy sidecar is up, then
// polls the job queue and drives the deploy executor until it receives
// SIGINT/SIGTERM. The HTTP surface (webhook, CRUD, auth) is a separate
// out-of-core collaborator and is not started here.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/codepr/dockyy/internal/config"
	"github.com/codepr/dockyy/internal/container"
	"github.com/codepr/dockyy/internal/deploy"
	"github.com/codepr/dockyy/internal/procrunner"
	"github.com/codepr/dockyy/internal/proxy"
	"github.com/codepr/dockyy/internal/queue"
	"github.com/codepr/dockyy/internal/store"
	"github.com/codepr/dockyy/internal/worker"
)

func main() {
	var configPath, engine string
	flag.StringVar(&configPath, "config", "dockyy.yaml", "Optional operator-managed config overlay")
	flag.StringVar(&engine, "engine", "docker", "Container engine CLI used for the native image build fallback")
	flag.Parse()

	logger := log.New(os.Stdout, "[dockyyd] ", log.LstdFlags)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal(err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal(err)
	}

	db, err := store.Open(cfg.DataDir + "/" + cfg.StoreFile)
	if err != nil {
		logger.Fatal(err)
	}
	defer db.Close()

	containers, err := container.New()
	if err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := containers.Ping(ctx); err != nil {
		logger.Println("container engine unreachable at startup:", err)
	}

	proxyController := proxy.NewController(containers)
	if err := proxyController.EnsureProxy(ctx, cfg.ProxyHTTPPort); err != nil {
		logger.Println("failed to ensure proxy sidecar:", err)
	}

	notifier := queue.New(db, cfg.AmqpURL, logger)

	executor := &deploy.Executor{
		Store:      db,
		Runner:     procrunner.Runner{},
		Containers: containers,
		Proxy:      proxyController,
		DataDir:    cfg.DataDir,
		Engine:     engine,
		Logger:     logger,
	}

	w := &worker.Worker{
		Store:    db,
		Executor: executor,
		Logger:   logger,
		Wakeups:  notifier.Wakeups,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	logger.Println("worker started, data dir", cfg.DataDir)
	<-quit
	logger.Println("shutting down")
	cancel()
	<-done
}
