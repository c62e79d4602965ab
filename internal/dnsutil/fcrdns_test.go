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

package dnsutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver struct {
	ptr map[string][]string
	fwd map[string][]string
}

func (f *fakeResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	names, ok := f.ptr[addr]
	if !ok {
		return nil, errors.New("NXDOMAIN")
	}
	return names, nil
}

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := f.fwd[host]
	if !ok {
		return nil, errors.New("NXDOMAIN")
	}
	return addrs, nil
}

func TestForwardConfirmed(t *testing.T) {
	r := &fakeResolver{
		ptr: map[string][]string{
			"10.0.0.5":      {"h5.example.org."},
			"192.0.2.10":    {"stale.example.org.", "good.example.org."},
			"192.0.2.66":    {"liar.example.org."},
			"2001:db8::1:5": {"v6.example.org."},
		},
		fwd: map[string][]string{
			"h5.example.org":   {"10.0.0.5"},
			"good.example.org": {"198.51.100.1", "192.0.2.10"},
			"liar.example.org": {"203.0.113.9"},
			// spelled differently from the PTR key but the same address
			"v6.example.org": {"2001:0db8:0000:0000:0000:0000:0001:0005"},
		},
	}
	ctx := context.Background()

	name, ok := ForwardConfirmed(ctx, r, "10.0.0.5")
	assert.True(t, ok)
	assert.Equal(t, "h5.example.org", name)

	// first candidate fails forward lookup, second confirms
	name, ok = ForwardConfirmed(ctx, r, "192.0.2.10")
	assert.True(t, ok)
	assert.Equal(t, "good.example.org", name)

	// forward answer points elsewhere
	_, ok = ForwardConfirmed(ctx, r, "192.0.2.66")
	assert.False(t, ok)

	// no PTR at all
	_, ok = ForwardConfirmed(ctx, r, "198.51.100.77")
	assert.False(t, ok)

	// v6 comparison happens on the expanded form
	name, ok = ForwardConfirmed(ctx, r, "2001:db8::1:5")
	assert.True(t, ok)
	assert.Equal(t, "v6.example.org", name)
}

func TestCanonicalIP(t *testing.T) {
	got, err := canonicalIP("2001:db8::1")
	assert.NoError(t, err)
	assert.Equal(t, "2001:0db8:0000:0000:0000:0000:0000:0001", got)

	got, err = canonicalIP("10.0.0.5")
	assert.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got)

	_, err = canonicalIP("not-an-ip")
	assert.Error(t, err)
}
