// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package mock

import (
	"time"

	"github.com/hashicorp/tachyon/helper/uuid"
	"github.com/hashicorp/tachyon/tachyon/structs"
)

// Provider returns a root compute host provider.
func Provider() *structs.ResourceProvider {
	id := uuid.Generate()
	return &structs.ResourceProvider{
		ID:                id,
		Name:              "compute-" + uuid.Short(),
		RootID:            id,
		Roles:             []string{structs.ProviderRoleComputeHost},
		Traits:            []string{structs.TraitCPUAVX, structs.TraitStorageSSD},
		HypervisorVersion: "7.8.0",
	}
}

// NUMANode returns a NUMA node provider nested under parent.
func NUMANode(parent *structs.ResourceProvider) *structs.ResourceProvider {
	return &structs.ResourceProvider{
		ID:       uuid.Generate(),
		Name:     parent.Name + "-numa-" + uuid.Short(),
		ParentID: parent.ID,
		Roles:    []string{structs.ProviderRoleNUMANode},
	}
}

// SharingProvider returns a root provider suitable as the source of a
// shares_resources edge, such as a shared storage pool.
func SharingProvider() *structs.ResourceProvider {
	id := uuid.Generate()
	return &structs.ResourceProvider{
		ID:     id,
		Name:   "shared-storage-" + uuid.Short(),
		RootID: id,
		Traits: []string{structs.TraitSharesViaAggregate, structs.TraitStorageSSD},
	}
}

// HostInventories returns the usual inventory set of a compute host:
// over-subscribed CPU, memory with a reserved slice, and local disk.
func HostInventories(rp *structs.ResourceProvider) []*structs.Inventory {
	cpu := structs.DefaultInventory(rp.ID, structs.ResourceVCPU, 32)
	cpu.AllocationRatio = 4.0

	mem := structs.DefaultInventory(rp.ID, structs.ResourceMemoryMB, 65536)
	mem.Reserved = 2048

	disk := structs.DefaultInventory(rp.ID, structs.ResourceDiskGB, 2000)

	return []*structs.Inventory{cpu, mem, disk}
}

// Consumer returns an active instance consumer.
func Consumer() *structs.Consumer {
	return &structs.Consumer{
		ID:         uuid.Generate(),
		Generation: 1,
		ProjectID:  uuid.Generate(),
		UserID:     uuid.Generate(),
		Type:       structs.ConsumerTypeInstance,
		State:      structs.ConsumerStateActive,
	}
}

// Aggregate returns an empty aggregate.
func Aggregate() *structs.Aggregate {
	return &structs.Aggregate{
		ID:   uuid.Generate(),
		Name: "rack-" + uuid.Short(),
	}
}

// Cell returns an enabled cell.
func Cell() *structs.Cell {
	return &structs.Cell{
		ID:   uuid.Generate(),
		Name: "cell-" + uuid.Short(),
	}
}

// Flavor returns a general purpose flavor.
func Flavor() *structs.Flavor {
	return &structs.Flavor{
		ID:   uuid.Generate(),
		Name: "m1.large-" + uuid.Short(),
		Resources: map[string]int64{
			structs.ResourceVCPU:     4,
			structs.ResourceMemoryMB: 8192,
			structs.ResourceDiskGB:   80,
		},
	}
}

// ServerGroup returns an anti-affinity server group with no members.
func ServerGroup() *structs.ServerGroup {
	return &structs.ServerGroup{
		ID:     uuid.Generate(),
		Name:   "api-" + uuid.Short(),
		Policy: structs.ServerGroupPolicyAntiAffinity,
	}
}

// Session returns an active simulation session expiring in an hour.
func Session() *structs.SimulationSession {
	now := time.Now().UTC()
	return &structs.SimulationSession{
		ID:        uuid.Generate(),
		Status:    structs.SessionStatusActive,
		AuditID:   "maintenance-" + uuid.Short(),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

// ClaimDelta returns a claim delta for a new consumer placing resources
// on the given provider.
func ClaimDelta(sessionID string, rp *structs.ResourceProvider) *structs.SpeculativeDelta {
	return &structs.SpeculativeDelta{
		SessionID:  sessionID,
		Type:       structs.DeltaTypeClaim,
		ConsumerID: uuid.Generate(),
		ProjectID:  uuid.Generate(),
		UserID:     uuid.Generate(),
		ToRootID:   rp.RootID,
		Resources: structs.AllocationSet{
			rp.ID: {
				structs.ResourceVCPU:     2,
				structs.ResourceMemoryMB: 4096,
			},
		},
		ObservedGenerations: map[string]uint64{
			rp.ID: rp.Generation,
		},
	}
}
