// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package dnscheck

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	a    map[string][]string
	aaaa map[string][]string
	errs map[string]error
}

func (f *fakeResolver) Lookup(_ context.Context, domain string, qtype uint16) ([]string, error) {
	if err, ok := f.errs[domain]; ok {
		return nil, err
	}
	if qtype == dns.TypeA {
		return f.a[domain], nil
	}
	return f.aaaa[domain], nil
}

func TestCheckHealthyDomain(t *testing.T) {
	r := &fakeResolver{a: map[string][]string{"a.example": {"1.2.3.4"}}}
	res := Check(context.Background(), r, "A.Example ", Expectations{RequireIPv4: true})
	assert.True(t, res.OK)
	assert.Equal(t, "a.example", res.Domain)
	assert.Equal(t, []string{"1.2.3.4"}, res.ARecords)
	assert.Empty(t, res.Error)
	assert.False(t, res.DriftDetected)
}

func TestCheckNXDomain(t *testing.T) {
	r := &fakeResolver{errs: map[string]error{"gone.example": errors.New("NXDOMAIN: gone.example")}}
	res := Check(context.Background(), r, "gone.example", Expectations{})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "NXDOMAIN")
}

func TestCheckRequiredFamilyMissing(t *testing.T) {
	r := &fakeResolver{a: map[string][]string{"v4only.example": {"1.2.3.4"}}}
	res := Check(context.Background(), r, "v4only.example", Expectations{RequireIPv4: true, RequireIPv6: true})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "missing_AAAA_record")
}

func TestCheckExpectedIPMismatch(t *testing.T) {
	r := &fakeResolver{a: map[string][]string{"pinned.example": {"9.9.9.9"}}}
	res := Check(context.Background(), r, "pinned.example", Expectations{ExpectedIPs: []string{"1.2.3.4", "5.6.7.8"}})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "expected_ip_mismatch")

	// Any overlap passes.
	r.a["pinned.example"] = []string{"9.9.9.9", "5.6.7.8"}
	res = Check(context.Background(), r, "pinned.example", Expectations{ExpectedIPs: []string{"5.6.7.8"}})
	assert.True(t, res.OK)
}

func TestCheckDriftDetection(t *testing.T) {
	r := &fakeResolver{a: map[string][]string{"moves.example": {"2.2.2.2"}}}
	exp := Expectations{PreviousIPs: []string{"1.1.1.1"}}

	// Drift without alerting stays ok but is reported.
	res := Check(context.Background(), r, "moves.example", exp)
	assert.True(t, res.OK)
	assert.True(t, res.DriftDetected)

	exp.AlertOnDrift = true
	res = Check(context.Background(), r, "moves.example", exp)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "drift_detected")
}

func TestCheckExpectedIPAndDriftBothReported(t *testing.T) {
	r := &fakeResolver{a: map[string][]string{"d.example": {"3.3.3.3"}}}
	res := Check(context.Background(), r, "d.example", Expectations{
		ExpectedIPs:  []string{"1.1.1.1"},
		PreviousIPs:  []string{"2.2.2.2"},
		AlertOnDrift: true,
	})
	assert.False(t, res.OK)
	// Pinned-IP failure is listed before drift.
	assert.Contains(t, res.Error, "expected_ip_mismatch; drift_detected")
}

func TestCheckNoRecordsAtAll(t *testing.T) {
	r := &fakeResolver{}
	res := Check(context.Background(), r, "empty.example", Expectations{})
	assert.False(t, res.OK)
	assert.Equal(t, "no_dns_records", res.Error)
}

func TestCheckAllSortedByDomain(t *testing.T) {
	r := &fakeResolver{a: map[string][]string{
		"b.example": {"1.1.1.1"},
		"a.example": {"2.2.2.2"},
		"c.example": {"3.3.3.3"},
	}}
	out := CheckAll(context.Background(), r, map[string]Expectations{
		"b.example": {}, "a.example": {}, "c.example": {},
	}, 2)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"a.example", "b.example", "c.example"},
		[]string{out[0].Domain, out[1].Domain, out[2].Domain})
}
