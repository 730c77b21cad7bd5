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

package proxy

import "testing"

func TestRoutingLabelsRoundTrip(t *testing.T) {
	labels := RoutingLabels("dockyy-acme-app", "acme.example.com", 3000)

	if labels[enableLabel] != "true" {
		t.Fatalf("expected traefik.enable=true, got %q", labels[enableLabel])
	}

	domain, ok := domainFromLabels(labels)
	if !ok {
		t.Fatal("expected a domain to be recoverable from the generated labels")
	}
	if domain != "acme.example.com" {
		t.Errorf("expected domain acme.example.com, got %q", domain)
	}

	if port := portFromLabels(labels); port != 3000 {
		t.Errorf("expected port 3000, got %d", port)
	}
}

func TestParseHostRule(t *testing.T) {
	cases := []struct {
		rule   string
		domain string
		ok     bool
	}{
		{"Host(`acme.example.com`)", "acme.example.com", true},
		{"PathPrefix(`/foo`)", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		domain, ok := parseHostRule(c.rule)
		if ok != c.ok || domain != c.domain {
			t.Errorf("parseHostRule(%q) = (%q, %v), want (%q, %v)", c.rule, domain, ok, c.domain, c.ok)
		}
	}
}

func TestPortFromLabelsDefaultsTo80(t *testing.T) {
	if got := portFromLabels(map[string]string{"traefik.enable": "true"}); got != 80 {
		t.Errorf("expected default port 80, got %d", got)
	}
}
