// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseURLPolicyReservedHosts(t *testing.T) {
	p := BaseURLPolicy{} // non-strict: only reserved hosts blocked
	assert.ErrorIs(t, p.Validate("https://example.com/login"), ErrBaseURLReservedHost)
	assert.ErrorIs(t, p.Validate("https://shop.example.org"), ErrBaseURLReservedHost)
	assert.ErrorIs(t, p.Validate("https://foo.example"), ErrBaseURLReservedHost)
	assert.ErrorIs(t, p.Validate("https://svc.test"), ErrBaseURLReservedHost)
	assert.ErrorIs(t, p.Validate("https://anything.invalid"), ErrBaseURLReservedHost)

	// Merely containing "example" is fine.
	assert.NoError(t, p.Validate("https://counterexample.io"))
	assert.NoError(t, p.Validate("https://notexample.com.acme.net"))
}

func TestBaseURLPolicyInvalid(t *testing.T) {
	p := BaseURLPolicy{}
	assert.ErrorIs(t, p.Validate("ftp://host/path"), ErrBaseURLInvalid)
	assert.ErrorIs(t, p.Validate("https://"), ErrBaseURLInvalid)
	assert.ErrorIs(t, p.Validate("not a url"), ErrBaseURLInvalid)
}

func TestBaseURLPolicyStrictAllowlist(t *testing.T) {
	p := BaseURLPolicy{Strict: true, AllowedHosts: []string{"shop.acme.net"}}
	assert.NoError(t, p.Validate("https://shop.acme.net/checkout"))
	assert.NoError(t, p.Validate("https://staging.shop.acme.net"))
	assert.ErrorIs(t, p.Validate("https://evil.net"), ErrBaseURLNotAllowed)
	// Suffix tricks do not match the allowlist.
	assert.ErrorIs(t, p.Validate("https://notshop.acme.net.evil.net"), ErrBaseURLNotAllowed)
}

func TestBaseURLPolicyStrictMonitoredFallback(t *testing.T) {
	p := BaseURLPolicy{Strict: true, MonitoredDomains: []string{"acme.net", "beta.io"}}
	assert.NoError(t, p.Validate("https://acme.net"))
	assert.NoError(t, p.Validate("https://www.beta.io/login"))
	assert.ErrorIs(t, p.Validate("https://gamma.dev"), ErrBaseURLNotMonitored)
}

func TestBaseURLPolicyNonStrictAllowsAnything(t *testing.T) {
	p := BaseURLPolicy{Strict: false}
	assert.NoError(t, p.Validate("https://whatever.dev/path"))
	assert.True(t, p.HostAllowed("http://whatever.dev"))
	assert.False(t, p.HostAllowed("https://example.com"))
}
