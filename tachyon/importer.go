// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tachyon

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/tachyon/tachyon/structs"
)

// ImportDocument is a complete placement model exported from an external
// source. Field names are the wire format; the import command decodes
// the JSON export straight into this shape.
type ImportDocument struct {
	ResourceClasses []string
	Traits          []string
	Cells           []*structs.Cell
	Providers       []*ImportProvider
	Aggregates      []*ImportAggregate
	Shares          []*structs.SharedEdge
	Flavors         []*structs.Flavor
	ServerGroups    []*structs.ServerGroup
	Consumers       []*ImportConsumer
}

// ImportProvider carries one resource provider with its inventory and
// trait associations inline, the way exports flatten the tree.
type ImportProvider struct {
	ID                string
	Name              string
	ParentID          string
	CellID            string
	Disabled          bool
	Roles             []string
	HypervisorVersion string
	Annotations       map[string]string

	// Traits are applied in the trait-association phase, after every
	// provider exists.
	Traits []string

	// Inventories maps resource class to the inventory record.
	Inventories map[string]*ImportInventory
}

// ImportInventory is one inventory row. Zero-valued unit fields take the
// permissive defaults: unit range [1, total], step
// 1, ratio 1.0.
type ImportInventory struct {
	Total           int64
	Reserved        int64
	MinUnit         int64
	MaxUnit         int64
	StepSize        int64
	AllocationRatio float64
}

// ImportAggregate is one aggregate with its member providers listed
// inline.
type ImportAggregate struct {
	ID               string
	Name             string
	AvailabilityZone string
	AllowedProjects  []string
	AllowedImages    []string
	Properties       map[string]string

	// Members lists member provider IDs. Memberships are applied after
	// every aggregate exists.
	Members []string
}

// ImportConsumer carries one consumer and its allocation footprint.
type ImportConsumer struct {
	ID        string
	ProjectID string
	UserID    string
	Type      string
	State     string

	// Allocations is the footprint keyed by provider then class.
	Allocations structs.AllocationSet
}

// ImportSummary counts what an import touched.
type ImportSummary struct {
	Classes      int
	Traits       int
	Cells        int
	Providers    int
	Inventories  int
	TraitLinks   int
	Aggregates   int
	Memberships  int
	Shares       int
	Flavors      int
	ServerGroups int
	Consumers    int

	// SkippedStandard counts class and trait names from the frozen
	// standard sets; those exist implicitly and are never written.
	SkippedStandard int

	// Unchanged counts providers and consumers the import left alone
	// because the live state already matched the document.
	Unchanged int

	Elapsed time.Duration
}

func (s *ImportSummary) String() string {
	return fmt.Sprintf(
		"imported %s providers, %s inventories, %s consumers (%s unchanged, %s standard names skipped) in %s",
		humanize.Comma(int64(s.Providers)),
		humanize.Comma(int64(s.Inventories)),
		humanize.Comma(int64(s.Consumers)),
		humanize.Comma(int64(s.Unchanged)),
		humanize.Comma(int64(s.SkippedStandard)),
		s.Elapsed.Round(time.Millisecond))
}

// Import loads an external placement model into the graph in a fixed
// order: classes, traits, cells, providers parent-first, inventories,
// trait associations, aggregates and memberships, shares, flavors,
// server groups, then consumers with their allocations. Each phase must
// finish clean before the next starts, so a document that fails
// half-way leaves a prefix-consistent graph. Re-running the same
// document converges: everything is upserted by its stable identifier
// and untouched rows are skipped.
//
// The import holds the write lock for its whole duration. Claims and
// sessions queue behind it.
func (s *Server) Import(doc *ImportDocument) (*ImportSummary, error) {
	defer metrics.MeasureSince([]string{"import", "apply"}, time.Now())
	start := time.Now()

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	summary := &ImportSummary{}
	phases := []struct {
		name string
		run  func(*ImportDocument, *ImportSummary) error
	}{
		{"resource classes", s.importClasses},
		{"traits", s.importTraits},
		{"cells", s.importCells},
		{"resource providers", s.importProviders},
		{"inventories", s.importInventories},
		{"provider traits", s.importProviderTraits},
		{"aggregates", s.importAggregates},
		{"shares", s.importShares},
		{"flavors", s.importFlavors},
		{"server groups", s.importServerGroups},
		{"consumers", s.importConsumers},
	}

	for _, phase := range phases {
		if err := phase.run(doc, summary); err != nil {
			return nil, fmt.Errorf("importing %s: %w", phase.name, err)
		}
	}

	summary.Elapsed = time.Since(start)
	s.logger.Info("import complete",
		"providers", summary.Providers, "inventories", summary.Inventories,
		"consumers", summary.Consumers, "unchanged", summary.Unchanged,
		"elapsed", summary.Elapsed)
	return summary, nil
}

func (s *Server) importClasses(doc *ImportDocument, summary *ImportSummary) error {
	var mErr multierror.Error
	for _, name := range sortedStrings(doc.ResourceClasses) {
		if structs.IsStandardResourceClass(name) {
			summary.SkippedStandard++
			continue
		}
		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.UpsertResourceClass(index, &structs.ResourceClass{Name: name}); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("class %s: %w", name, err))
			continue
		}
		summary.Classes++
	}
	return mErr.ErrorOrNil()
}

func (s *Server) importTraits(doc *ImportDocument, summary *ImportSummary) error {
	var mErr multierror.Error
	for _, name := range sortedStrings(doc.Traits) {
		if structs.IsStandardTrait(name) {
			summary.SkippedStandard++
			continue
		}
		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.UpsertTrait(index, &structs.Trait{Name: name}); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("trait %s: %w", name, err))
			continue
		}
		summary.Traits++
	}
	return mErr.ErrorOrNil()
}

func (s *Server) importCells(doc *ImportDocument, summary *ImportSummary) error {
	cells := make([]*structs.Cell, len(doc.Cells))
	copy(cells, doc.Cells)
	sort.Slice(cells, func(i, j int) bool { return cells[i].ID < cells[j].ID })

	var mErr multierror.Error
	for _, cell := range cells {
		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.UpsertCell(index, cell.Copy()); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("cell %s: %w", cell.ID, err))
			continue
		}
		summary.Cells++
	}
	return mErr.ErrorOrNil()
}

// importProviders writes providers parents-first so every ParentID
// resolves by the time its children arrive, regardless of document
// order.
func (s *Server) importProviders(doc *ImportDocument, summary *ImportSummary) error {
	ordered, err := orderProviders(doc.Providers)
	if err != nil {
		return err
	}

	var mErr multierror.Error
	for _, ip := range ordered {
		existing, err := s.store.ProviderByID(nil, ip.ID)
		if err != nil {
			return err
		}

		rp := &structs.ResourceProvider{
			ID:                ip.ID,
			Name:              ip.Name,
			ParentID:          ip.ParentID,
			CellID:            ip.CellID,
			Disabled:          ip.Disabled,
			Roles:             ip.Roles,
			HypervisorVersion: ip.HypervisorVersion,
			Annotations:       ip.Annotations,
		}
		if existing != nil {
			if providerUnchanged(existing, rp) {
				summary.Unchanged++
				continue
			}
			rp.Generation = existing.Generation
		}

		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.UpsertResourceProvider(index, rp); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("provider %s: %w", ip.ID, err))
			continue
		}
		summary.Providers++
	}
	return mErr.ErrorOrNil()
}

func (s *Server) importInventories(doc *ImportDocument, summary *ImportSummary) error {
	var mErr multierror.Error
	for _, ip := range sortedProviders(doc.Providers) {
		if len(ip.Inventories) == 0 {
			continue
		}

		invs := make([]*structs.Inventory, 0, len(ip.Inventories))
		for _, class := range sortedKeys(ip.Inventories) {
			invs = append(invs, importedInventory(ip.ID, class, ip.Inventories[class]))
		}

		rp, err := s.store.ProviderByID(nil, ip.ID)
		if err != nil {
			return err
		}
		if rp == nil {
			// The provider phase already reported why.
			continue
		}
		if same, err := s.inventoriesUnchanged(ip.ID, invs); err != nil {
			return err
		} else if same {
			summary.Unchanged++
			continue
		}

		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.SetInventories(index, ip.ID, rp.Generation, invs); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("inventories %s: %w", ip.ID, err))
			continue
		}
		summary.Inventories += len(invs)
	}
	return mErr.ErrorOrNil()
}

func (s *Server) importProviderTraits(doc *ImportDocument, summary *ImportSummary) error {
	var mErr multierror.Error
	for _, ip := range sortedProviders(doc.Providers) {
		rp, err := s.store.ProviderByID(nil, ip.ID)
		if err != nil {
			return err
		}
		if rp == nil {
			continue
		}
		if set.From(ip.Traits).Equal(set.From(rp.Traits)) {
			continue
		}

		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.SetProviderTraits(index, ip.ID, rp.Generation, ip.Traits); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("traits %s: %w", ip.ID, err))
			continue
		}
		summary.TraitLinks += len(ip.Traits)
	}
	return mErr.ErrorOrNil()
}

func (s *Server) importAggregates(doc *ImportDocument, summary *ImportSummary) error {
	aggs := make([]*ImportAggregate, len(doc.Aggregates))
	copy(aggs, doc.Aggregates)
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].ID < aggs[j].ID })

	var mErr multierror.Error
	for _, ia := range aggs {
		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		agg := &structs.Aggregate{
			ID:               ia.ID,
			Name:             ia.Name,
			AvailabilityZone: ia.AvailabilityZone,
			AllowedProjects:  ia.AllowedProjects,
			AllowedImages:    ia.AllowedImages,
			Properties:       ia.Properties,
		}
		if err := s.store.UpsertAggregate(index, agg); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("aggregate %s: %w", ia.ID, err))
			continue
		}
		summary.Aggregates++
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return err
	}

	// Memberships are listed per aggregate but stored per provider.
	memberships := make(map[string][]string)
	for _, ia := range aggs {
		for _, providerID := range ia.Members {
			memberships[providerID] = append(memberships[providerID], ia.ID)
		}
	}

	for _, providerID := range sortedKeys(memberships) {
		rp, err := s.store.ProviderByID(nil, providerID)
		if err != nil {
			return err
		}
		if rp == nil {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("aggregate member %s: provider not found", providerID))
			continue
		}

		aggregateIDs := memberships[providerID]
		sort.Strings(aggregateIDs)
		if set.From(aggregateIDs).Equal(set.From(rp.AggregateIDs)) {
			continue
		}

		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.SetProviderAggregates(index, providerID, rp.Generation, aggregateIDs); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("memberships %s: %w", providerID, err))
			continue
		}
		summary.Memberships += len(aggregateIDs)
	}
	return mErr.ErrorOrNil()
}

func (s *Server) importShares(doc *ImportDocument, summary *ImportSummary) error {
	edges := make([]*structs.SharedEdge, len(doc.Shares))
	copy(edges, doc.Shares)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SourceID != edges[j].SourceID {
			return edges[i].SourceID < edges[j].SourceID
		}
		return edges[i].TargetID < edges[j].TargetID
	})

	var mErr multierror.Error
	for _, edge := range edges {
		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.UpsertShare(index, edge.Copy()); err != nil {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("share %s->%s: %w", edge.SourceID, edge.TargetID, err))
			continue
		}
		summary.Shares++
	}
	return mErr.ErrorOrNil()
}

func (s *Server) importFlavors(doc *ImportDocument, summary *ImportSummary) error {
	flavors := make([]*structs.Flavor, len(doc.Flavors))
	copy(flavors, doc.Flavors)
	sort.Slice(flavors, func(i, j int) bool { return flavors[i].ID < flavors[j].ID })

	var mErr multierror.Error
	for _, f := range flavors {
		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.UpsertFlavor(index, f.Copy()); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("flavor %s: %w", f.ID, err))
			continue
		}
		summary.Flavors++
	}
	return mErr.ErrorOrNil()
}

func (s *Server) importServerGroups(doc *ImportDocument, summary *ImportSummary) error {
	groups := make([]*structs.ServerGroup, len(doc.ServerGroups))
	copy(groups, doc.ServerGroups)
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	var mErr multierror.Error
	for _, sg := range groups {
		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.UpsertServerGroup(index, sg.Copy()); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("server group %s: %w", sg.ID, err))
			continue
		}
		summary.ServerGroups++
	}
	return mErr.ErrorOrNil()
}

// importConsumers claims each consumer's footprint through the regular
// claim protocol so capacity and generations are enforced the same way
// live traffic is.
func (s *Server) importConsumers(doc *ImportDocument, summary *ImportSummary) error {
	consumers := make([]*ImportConsumer, len(doc.Consumers))
	copy(consumers, doc.Consumers)
	sort.Slice(consumers, func(i, j int) bool { return consumers[i].ID < consumers[j].ID })

	var mErr multierror.Error
	for _, ic := range consumers {
		if ic.Allocations.Empty() {
			continue
		}

		live, err := s.liveFootprint(ic.ID)
		if err != nil {
			return err
		}
		if reflect.DeepEqual(live, ic.Allocations) {
			summary.Unchanged++
			continue
		}

		claim := &structs.ClaimRequest{
			ConsumerID:    ic.ID,
			ProjectID:     ic.ProjectID,
			UserID:        ic.UserID,
			ConsumerType:  ic.Type,
			ConsumerState: ic.State,
			Allocations:   ic.Allocations.Copy(),
		}

		existing, err := s.store.ConsumerByID(nil, ic.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			gen := existing.Generation
			claim.ConsumerGeneration = &gen
		}

		claim.ProviderGenerations = make(map[string]uint64)
		for _, providerID := range ic.Allocations.Providers() {
			rp, err := s.store.ProviderByID(nil, providerID)
			if err != nil {
				return err
			}
			if rp == nil {
				mErr.Errors = append(mErr.Errors,
					fmt.Errorf("consumer %s: provider %s not found", ic.ID, providerID))
				continue
			}
			claim.ProviderGenerations[providerID] = rp.Generation
		}
		if len(claim.ProviderGenerations) != len(ic.Allocations.Providers()) {
			continue
		}

		index, err := s.nextIndexLocked()
		if err != nil {
			return err
		}
		if err := s.store.ClaimAllocations(index, claim); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("consumer %s: %w", ic.ID, err))
			continue
		}
		summary.Consumers++
	}
	return mErr.ErrorOrNil()
}

// liveFootprint reads a consumer's current allocations as a set.
func (s *Server) liveFootprint(consumerID string) (structs.AllocationSet, error) {
	allocs, err := s.store.AllocationsByConsumer(nil, consumerID)
	if err != nil {
		return nil, err
	}
	footprint := make(structs.AllocationSet)
	for _, alloc := range allocs {
		footprint.Add(alloc.ProviderID, alloc.Class, alloc.Used)
	}
	return footprint, nil
}

// inventoriesUnchanged reports whether the provider's live inventory rows
// already match the imported ones.
func (s *Server) inventoriesUnchanged(providerID string, invs []*structs.Inventory) (bool, error) {
	live := make(map[string]*structs.Inventory)
	iter, err := s.store.InventoriesByProvider(nil, providerID)
	if err != nil {
		return false, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		inv := raw.(*structs.Inventory)
		live[inv.Class] = inv
	}

	if len(live) != len(invs) {
		return false, nil
	}
	for _, inv := range invs {
		cur, ok := live[inv.Class]
		if !ok {
			return false, nil
		}
		if cur.Total != inv.Total || cur.Reserved != inv.Reserved ||
			cur.MinUnit != inv.MinUnit || cur.MaxUnit != inv.MaxUnit ||
			cur.StepSize != inv.StepSize || cur.AllocationRatio != inv.AllocationRatio {
			return false, nil
		}
	}
	return true, nil
}

// providerUnchanged reports whether an upsert would be a no-op. Traits,
// aggregates and inventories are owned by later phases and not compared
// here.
func providerUnchanged(live, in *structs.ResourceProvider) bool {
	return live.Name == in.Name &&
		live.ParentID == in.ParentID &&
		live.CellID == in.CellID &&
		live.Disabled == in.Disabled &&
		live.HypervisorVersion == in.HypervisorVersion &&
		set.From(live.Roles).Equal(set.From(in.Roles)) &&
		reflect.DeepEqual(live.Annotations, in.Annotations)
}

// importedInventory builds the store row, filling zero-valued fields with
// the permissive defaults.
func importedInventory(providerID, class string, in *ImportInventory) *structs.Inventory {
	inv := &structs.Inventory{
		ProviderID:      providerID,
		Class:           class,
		Total:           in.Total,
		Reserved:        in.Reserved,
		MinUnit:         in.MinUnit,
		MaxUnit:         in.MaxUnit,
		StepSize:        in.StepSize,
		AllocationRatio: in.AllocationRatio,
	}
	if inv.MinUnit == 0 {
		inv.MinUnit = 1
	}
	if inv.MaxUnit == 0 {
		inv.MaxUnit = in.Total
	}
	if inv.StepSize == 0 {
		inv.StepSize = 1
	}
	if inv.AllocationRatio == 0 {
		inv.AllocationRatio = 1.0
	}
	return inv
}

// orderProviders sorts providers parents-first. Providers whose parent is
// not in the document come first in ID order; they either are roots or
// attach to providers already in the graph. A parent cycle within the
// document is an error.
func orderProviders(providers []*ImportProvider) ([]*ImportProvider, error) {
	inDoc := make(map[string]*ImportProvider, len(providers))
	for _, ip := range providers {
		if ip.ID == "" {
			return nil, fmt.Errorf("provider with empty ID")
		}
		if _, ok := inDoc[ip.ID]; ok {
			return nil, fmt.Errorf("duplicate provider %s", ip.ID)
		}
		inDoc[ip.ID] = ip
	}

	children := make(map[string][]string)
	var ready []string
	for _, ip := range providers {
		if _, ok := inDoc[ip.ParentID]; ok {
			children[ip.ParentID] = append(children[ip.ParentID], ip.ID)
		} else {
			ready = append(ready, ip.ID)
		}
	}
	sort.Strings(ready)

	ordered := make([]*ImportProvider, 0, len(providers))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, inDoc[id])

		next := children[id]
		sort.Strings(next)
		ready = append(ready, next...)
	}

	if len(ordered) != len(providers) {
		var cyclic []string
		seen := make(map[string]struct{}, len(ordered))
		for _, ip := range ordered {
			seen[ip.ID] = struct{}{}
		}
		for _, ip := range providers {
			if _, ok := seen[ip.ID]; !ok {
				cyclic = append(cyclic, ip.ID)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("provider parent cycle involving %v", cyclic)
	}
	return ordered, nil
}

func sortedProviders(providers []*ImportProvider) []*ImportProvider {
	out := make([]*ImportProvider, len(providers))
	copy(out, providers)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
