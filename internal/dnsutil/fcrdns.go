// Copyright 2020 The Nivlheim Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dnsutil implements forward-confirmed reverse DNS, used to
// pick a trustworthy hostname for an enrolling machine.
package dnsutil

import (
	"context"
	"net/netip"
	"strings"
)

// Resolver is the subset of net.Resolver used here. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ForwardConfirmed resolves the PTR names for ip and returns the
// first one whose forward records include ip again. A name that does
// not resolve back to the address it came from proves nothing and is
// skipped. ok is false when no candidate survives.
func ForwardConfirmed(ctx context.Context, r Resolver, ip string) (name string, ok bool) {
	want, err := canonicalIP(ip)
	if err != nil {
		return "", false
	}
	names, err := r.LookupAddr(ctx, ip)
	if err != nil {
		return "", false
	}
	for _, candidate := range names {
		candidate = strings.TrimSuffix(candidate, ".")
		addrs, err := r.LookupHost(ctx, candidate)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			got, err := canonicalIP(addr)
			if err != nil {
				continue
			}
			if got == want {
				return candidate, true
			}
		}
	}
	return "", false
}

// canonicalIP normalizes an address so that differently spelled forms
// compare equal: dotted quad for v4, the fully expanded form for v6.
func canonicalIP(s string) (string, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", err
	}
	addr = addr.Unmap()
	if addr.Is6() {
		return addr.StringExpanded(), nil
	}
	return addr.String(), nil
}
