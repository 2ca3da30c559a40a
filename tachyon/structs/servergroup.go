// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

const (
	// ServerGroupPolicyAffinity requires members on the same root
	// provider.
	ServerGroupPolicyAffinity = "affinity"

	// ServerGroupPolicyAntiAffinity requires members spread across root
	// providers, subject to MaxServerPerHost.
	ServerGroupPolicyAntiAffinity = "anti-affinity"

	// ServerGroupPolicySoftAffinity prefers co-location but never fails a
	// placement for it.
	ServerGroupPolicySoftAffinity = "soft-affinity"

	// ServerGroupPolicySoftAntiAffinity prefers spreading but never fails
	// a placement for it.
	ServerGroupPolicySoftAntiAffinity = "soft-anti-affinity"
)

// ServerGroupRules carries the tunables of a policy.
type ServerGroupRules struct {
	// MaxServerPerHost relaxes anti-affinity: up to this many members may
	// share one root provider. Zero means the strict default of one.
	MaxServerPerHost int
}

// Copy returns a copy of the rules.
func (r *ServerGroupRules) Copy() *ServerGroupRules {
	if r == nil {
		return nil
	}
	nr := new(ServerGroupRules)
	*nr = *r
	return nr
}

// ServerGroup ties consumers together under a placement policy. The
// scheduler resolves member positions at candidate time, so membership
// lists consumer IDs only.
type ServerGroup struct {
	ID   string
	Name string

	// Policy is one of the four server group policies.
	Policy string

	// Rules tunes the policy; only meaningful for anti-affinity today.
	Rules *ServerGroupRules

	// Members are the consumer IDs in the group.
	Members []string

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a deep copy of the server group.
func (sg *ServerGroup) Copy() *ServerGroup {
	if sg == nil {
		return nil
	}
	nsg := new(ServerGroup)
	*nsg = *sg
	nsg.Rules = sg.Rules.Copy()
	nsg.Members = copySliceString(sg.Members)
	return nsg
}

// HasMember returns true if the consumer is in the group.
func (sg *ServerGroup) HasMember(consumerID string) bool {
	for _, m := range sg.Members {
		if m == consumerID {
			return true
		}
	}
	return false
}

// MaxServerPerHost returns the effective anti-affinity host budget.
func (sg *ServerGroup) MaxServerPerHost() int {
	if sg.Rules == nil || sg.Rules.MaxServerPerHost <= 0 {
		return 1
	}
	return sg.Rules.MaxServerPerHost
}

// Validate checks the server group definition.
func (sg *ServerGroup) Validate() error {
	var mErr multierror.Error

	if sg.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing server group ID"))
	}
	if sg.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing server group name"))
	}
	switch sg.Policy {
	case ServerGroupPolicyAffinity, ServerGroupPolicyAntiAffinity,
		ServerGroupPolicySoftAffinity, ServerGroupPolicySoftAntiAffinity:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown server group policy %q", sg.Policy))
	}
	if sg.Rules != nil && sg.Rules.MaxServerPerHost > 0 && sg.Policy != ServerGroupPolicyAntiAffinity {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_server_per_host only applies to the anti-affinity policy"))
	}

	return mErr.ErrorOrNil()
}
