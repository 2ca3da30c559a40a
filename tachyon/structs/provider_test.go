// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/hashicorp/tachyon/ci"
	"github.com/shoenig/test/must"
)

func TestResourceProvider_Validate(t *testing.T) {
	ci.Parallel(t)

	good := &ResourceProvider{
		ID:     "6f94b5e2-0000-0000-0000-000000000001",
		Name:   "compute-0",
		Roles:  []string{ProviderRoleComputeHost},
		Traits: []string{TraitCPUAVX2},
	}
	must.NoError(t, good.Validate())

	bad := good.Copy()
	bad.ID = ""
	must.Error(t, bad.Validate())

	bad = good.Copy()
	bad.Name = ""
	must.Error(t, bad.Validate())

	bad = good.Copy()
	bad.ParentID = bad.ID
	must.Error(t, bad.Validate())

	bad = good.Copy()
	bad.Roles = []string{"hyperconverged"}
	must.Error(t, bad.Validate())

	bad = good.Copy()
	bad.Traits = []string{"not-a-trait"}
	must.Error(t, bad.Validate())
}

func TestResourceProvider_Copy(t *testing.T) {
	ci.Parallel(t)

	rp := &ResourceProvider{
		ID:           "p1",
		Name:         "compute-0",
		Traits:       []string{TraitCPUAVX2},
		AggregateIDs: []string{"agg1"},
		Annotations:  map[string]string{"io_ops": "3"},
	}

	cp := rp.Copy()
	cp.Traits[0] = TraitStorageSSD
	cp.AggregateIDs[0] = "agg2"
	cp.Annotations["io_ops"] = "9"

	must.Eq(t, TraitCPUAVX2, rp.Traits[0])
	must.Eq(t, "agg1", rp.AggregateIDs[0])
	must.Eq(t, "3", rp.Annotations["io_ops"])
}

func TestSharedEdge_Validate(t *testing.T) {
	ci.Parallel(t)

	good := &SharedEdge{
		SourceID: "s1",
		TargetID: "c1",
		Classes:  []string{ResourceDiskGB},
	}
	must.NoError(t, good.Validate())
	must.True(t, good.SharesClass(ResourceDiskGB))
	must.False(t, good.SharesClass(ResourceVCPU))

	bad := good.Copy()
	bad.TargetID = bad.SourceID
	must.Error(t, bad.Validate())

	bad = good.Copy()
	bad.Classes = nil
	must.Error(t, bad.Validate())
}

func TestServerGroup(t *testing.T) {
	ci.Parallel(t)

	sg := &ServerGroup{
		ID:      "g1",
		Name:    "web",
		Policy:  ServerGroupPolicyAntiAffinity,
		Members: []string{"c1", "c2"},
	}
	must.NoError(t, sg.Validate())
	must.True(t, sg.HasMember("c1"))
	must.False(t, sg.HasMember("c9"))

	// Strict anti-affinity defaults to one member per host.
	must.Eq(t, 1, sg.MaxServerPerHost())

	sg.Rules = &ServerGroupRules{MaxServerPerHost: 3}
	must.NoError(t, sg.Validate())
	must.Eq(t, 3, sg.MaxServerPerHost())

	// The rule is meaningless outside anti-affinity.
	sg.Policy = ServerGroupPolicySoftAffinity
	must.Error(t, sg.Validate())

	sg.Policy = "best-effort"
	must.Error(t, sg.Validate())
}

func TestConsumer_TransientStates(t *testing.T) {
	ci.Parallel(t)

	c := &Consumer{
		ID:    "c1",
		Type:  ConsumerTypeInstance,
		State: ConsumerStateActive,
	}
	must.NoError(t, c.Validate())
	must.False(t, c.InTransientState())

	for _, state := range []string{
		ConsumerStateBuilding, ConsumerStateMigrating, ConsumerStateResizing,
	} {
		c.State = state
		must.NoError(t, c.Validate())
		must.True(t, c.InTransientState())
	}

	c.State = "sleeping"
	must.Error(t, c.Validate())
}
