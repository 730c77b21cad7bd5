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

// Package procrunner wraps external-process invocation so every call site
// that shells out to git, nixpacks, or the container engine's CLI goes
// through one place: environment overlays (notably GIT_SSH_COMMAND) never
// leak between jobs because each Run call gets its own fresh os/exec.Cmd.
package procrunner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"
)

// Result carries everything a caller needs after one invocation. A non-zero
// ExitCode is not itself an error: Run only returns an error on launch
// failure or timeout.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the process exited zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Spec describes one external-process invocation.
type Spec struct {
	Name    string            // executable name or path
	Args    []string
	Dir     string            // working directory, "" for the caller's cwd
	Env     map[string]string // overlaid on top of the current environment
	Timeout time.Duration     // 0 means no timeout
}

// Runner invokes external processes uniformly. It carries no state of its
// own; a zero value is ready to use.
type Runner struct{}

// Run launches the process described by spec and always returns both
// streams, regardless of the process's exit status.
func (Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = overlayEnv(spec.Env)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, ctx.Err()
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// Launch failure: the binary could not even be started.
		return result, err
	}

	result.ExitCode = 0
	return result, nil
}

func overlayEnv(overlay map[string]string) []string {
	base := os.Environ()
	for k, v := range overlay {
		base = append(base, k+"="+v)
	}
	return base
}
