// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"math"
	"sort"
)

// AllocationsFit checks whether a proposed footprint fits the given
// inventories on top of current usage. The usage map must already exclude
// any consumer whose footprint is being replaced. On a miss the returned
// dimension names the provider and class that failed, in the style of
// "provider 6f94…/VCPU exhausted".
func AllocationsFit(proposed AllocationSet,
	inventories map[string]map[string]*Inventory,
	used map[string]map[string]int64) (bool, string, error) {

	for _, providerID := range sortedProviders(proposed) {
		classes := proposed[providerID]
		provInvs := inventories[providerID]
		if provInvs == nil {
			return false, fmt.Sprintf("provider %s has no inventory", providerID), nil
		}

		classNames := make([]string, 0, len(classes))
		for class := range classes {
			classNames = append(classNames, class)
		}
		sort.Strings(classNames)

		for _, class := range classNames {
			amount := classes[class]
			inv := provInvs[class]
			if inv == nil {
				return false, fmt.Sprintf("provider %s has no %s inventory", providerID, class), nil
			}
			if err := inv.Accepts(used[providerID][class], amount); err != nil {
				return false, fmt.Sprintf("provider %s/%s exhausted", providerID, class), nil
			}
		}
	}
	return true, "", nil
}

// AddAllocationSets merges b into a, returning a new set.
func AddAllocationSets(a, b AllocationSet) AllocationSet {
	out := a.Copy()
	if out == nil {
		out = make(AllocationSet)
	}
	for provider, classes := range b {
		for class, amount := range classes {
			out.Add(provider, class, amount)
		}
	}
	return out
}

// SubtractAllocationSet removes b from a in place, dropping entries that
// reach zero so empty providers disappear from the set.
func SubtractAllocationSet(a, b AllocationSet) {
	for provider, classes := range b {
		ac, ok := a[provider]
		if !ok {
			continue
		}
		for class, amount := range classes {
			ac[class] -= amount
			if ac[class] <= 0 {
				delete(ac, class)
			}
		}
		if len(ac) == 0 {
			delete(a, provider)
		}
	}
}

// UtilizationRatio returns used/capacity clamped to [0, 1], or 0 for a
// zero-capacity inventory.
func UtilizationRatio(inv *Inventory, used int64) float64 {
	capacity := inv.Capacity()
	if capacity <= 0 {
		return 0
	}
	ratio := float64(used) / float64(capacity)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// SummarizeRatios computes the mean, population standard deviation,
// minimum and maximum of the given utilization ratios. An empty input
// yields all zeros.
func SummarizeRatios(ratios []float64) (mean, stddev, minR, maxR float64) {
	if len(ratios) == 0 {
		return 0, 0, 0, 0
	}

	minR, maxR = ratios[0], ratios[0]
	var sum float64
	for _, r := range ratios {
		sum += r
		if r < minR {
			minR = r
		}
		if r > maxR {
			maxR = r
		}
	}
	mean = sum / float64(len(ratios))

	var varSum float64
	for _, r := range ratios {
		d := r - mean
		varSum += d * d
	}
	stddev = math.Sqrt(varSum / float64(len(ratios)))
	return mean, stddev, minR, maxR
}

// NormalizeScores rescales raw weigher scores to [0, 1] with min-max
// normalization over the candidate set. When all raw scores are equal
// every candidate gets 0.5 so a degenerate weigher neither helps nor
// hurts anyone.
func NormalizeScores(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}

	minS, maxS := raw[0], raw[0]
	for _, s := range raw {
		if s < minS {
			minS = s
		}
		if s > maxS {
			maxS = s
		}
	}

	out := make([]float64, len(raw))
	if maxS == minS {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	span := maxS - minS
	for i, s := range raw {
		out[i] = (s - minS) / span
	}
	return out
}

func sortedProviders(as AllocationSet) []string {
	out := as.Providers()
	sort.Strings(out)
	return out
}
