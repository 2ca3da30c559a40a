// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Aggregate is a grouping of resource providers used for zoning and
// isolation. An aggregate may name an availability zone, restrict the
// projects or images whose workloads may land on its members, and carry
// opaque properties for external tooling.
type Aggregate struct {
	ID string

	// Name is the unique human readable name.
	Name string

	// AvailabilityZone, if set, makes members of the aggregate part of
	// the named zone. At most one aggregate may own a given zone name.
	AvailabilityZone string

	// AllowedProjects restricts member providers to workloads of the
	// listed projects. Empty means unrestricted.
	AllowedProjects []string

	// AllowedImages restricts member providers to workloads booted from
	// the listed image IDs. Empty means unrestricted.
	AllowedImages []string

	// Properties is an opaque key/value bag surfaced to operators and
	// external tooling; placement never interprets it.
	Properties map[string]string

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a deep copy of the aggregate.
func (a *Aggregate) Copy() *Aggregate {
	if a == nil {
		return nil
	}
	na := new(Aggregate)
	*na = *a
	na.AllowedProjects = copySliceString(a.AllowedProjects)
	na.AllowedImages = copySliceString(a.AllowedImages)
	na.Properties = copyMapStringString(a.Properties)
	return na
}

// RestrictsProjects returns true if the aggregate carries a project
// allow-list.
func (a *Aggregate) RestrictsProjects() bool {
	return len(a.AllowedProjects) > 0
}

// AllowsProject returns true if the project may use member providers.
func (a *Aggregate) AllowsProject(projectID string) bool {
	if !a.RestrictsProjects() {
		return true
	}
	for _, p := range a.AllowedProjects {
		if p == projectID {
			return true
		}
	}
	return false
}

// RestrictsImages returns true if the aggregate carries an image
// allow-list.
func (a *Aggregate) RestrictsImages() bool {
	return len(a.AllowedImages) > 0
}

// AllowsImage returns true if the image may boot on member providers.
func (a *Aggregate) AllowsImage(imageID string) bool {
	if !a.RestrictsImages() {
		return true
	}
	for _, img := range a.AllowedImages {
		if img == imageID {
			return true
		}
	}
	return false
}

// Validate checks the aggregate definition.
func (a *Aggregate) Validate() error {
	var mErr multierror.Error
	if a.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing aggregate ID"))
	}
	if a.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing aggregate name"))
	}
	return mErr.ErrorOrNil()
}
