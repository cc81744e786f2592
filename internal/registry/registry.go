// Package registry holds the ticker registry: the set of known instruments
// and the rules for resolving a code into the vendor legs that price it.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"metalsdesk/internal/domain"
	"metalsdesk/internal/store"
)

// PlanLeg is one vendor-level component of a resolved instrument.
type PlanLeg struct {
	VendorCode string  `json:"vendor_code"`
	Weight     float64 `json:"weight"`
}

// Plan is a fully resolved instrument: a weighted sum of vendor codes.
type Plan struct {
	Code string      `json:"code"`
	Kind domain.Kind `json:"kind"`
	Legs []PlanLeg   `json:"legs"`
}

// Registry is safe for concurrent use. Reads take a shared lock; mutations
// persist to the InstrumentStore before they become visible.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]domain.Instrument

	store store.InstrumentStore
	log   *slog.Logger
	now   func() time.Time
}

// New returns an empty registry. st may be nil, in which case definitions
// live only in memory.
func New(st store.InstrumentStore, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		instruments: make(map[string]domain.Instrument),
		store:       st,
		log:         log.With("component", "registry"),
		now:         time.Now,
	}
}

// ---------------------------------------------------------------------------
// Loading and seeding
// ---------------------------------------------------------------------------

// Load replaces the in-memory registry with the persisted definitions.
// Definitions that no longer validate are skipped and logged.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	all, err := r.store.LoadInstruments(ctx)
	if err != nil {
		return fmt.Errorf("loading instruments: %w", err)
	}

	loaded := make(map[string]domain.Instrument, len(all))
	for _, inst := range all {
		loaded[inst.Code] = inst
	}
	if err := checkCycles(loaded); err != nil {
		return err
	}
	for code, inst := range loaded {
		if _, err := normalize(inst, loaded); err != nil {
			r.log.Warn("skipping invalid stored instrument", "code", code, "error", err)
			delete(loaded, code)
		}
	}

	r.mu.Lock()
	r.instruments = loaded
	r.mu.Unlock()

	r.log.Info("instruments loaded", "count", len(loaded))
	return nil
}

// DefaultInstruments returns the LME 3M metals plus the seeded switch and
// index.
func DefaultInstruments() []domain.Instrument {
	raw := func(code string, cat domain.Category, desc string) domain.Instrument {
		return domain.Instrument{Code: code, Kind: domain.KindRaw, Category: cat, VendorCode: code, Description: desc}
	}
	return []domain.Instrument{
		raw("LMAHDS03", domain.CategoryAluminium, "LME Aluminium 3M"),
		raw("LMCADS03", domain.CategoryCopper, "LME Copper 3M"),
		raw("LMZSDS03", domain.CategoryZinc, "LME Zinc 3M"),
		raw("LMPBDS03", domain.CategoryLead, "LME Lead 3M"),
		raw("LMNIDS03", domain.CategoryNickel, "LME Nickel 3M"),
		raw("LMSNDS03", domain.CategoryTin, "LME Tin 3M"),
		{
			Code:        "ZN-PB Spread",
			Kind:        domain.KindSwitch,
			Category:    domain.CategoryZinc,
			Description: "Zinc minus Lead 3M",
			Legs:        []domain.Leg{{Code: "LMZSDS03", Weight: 1}, {Code: "LMPBDS03", Weight: -1}},
		},
		{
			Code:        "Base Metals Index",
			Kind:        domain.KindIndex,
			Category:    domain.CategoryAll,
			Description: "Weighted copper, aluminium, zinc and nickel",
			Legs: []domain.Leg{
				{Code: "LMCADS03", Weight: 0.4},
				{Code: "LMAHDS03", Weight: 0.3},
				{Code: "LMZSDS03", Weight: 0.2},
				{Code: "LMNIDS03", Weight: 0.1},
			},
		},
	}
}

// SeedDefaults registers DefaultInstruments when the registry is empty and
// reports how many were added.
func (r *Registry) SeedDefaults(ctx context.Context) (int, error) {
	r.mu.RLock()
	empty := len(r.instruments) == 0
	r.mu.RUnlock()
	if !empty {
		return 0, nil
	}

	n := 0
	for _, inst := range DefaultInstruments() {
		if _, err := r.Register(ctx, inst); err != nil {
			return n, fmt.Errorf("seeding %s: %w", inst.Code, err)
		}
		n++
	}
	r.log.Info("seeded default instruments", "count", n)
	return n, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Get returns the definition for code.
func (r *Registry) Get(code string) (domain.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[code]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, code)
	}
	return inst, nil
}

// List returns instruments in category ordered by category then code.
// CategoryAll (or "") returns everything.
func (r *Registry) List(category domain.Category) []domain.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		if category != "" && category != domain.CategoryAll && inst.Category != category {
			continue
		}
		out = append(out, inst)
	}
	sortInstruments(out)
	return out
}

// Search returns instruments whose code or description contains q,
// case-insensitively.
func (r *Registry) Search(q string) []domain.Instrument {
	q = strings.ToLower(strings.TrimSpace(q))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Instrument
	for _, inst := range r.instruments {
		if strings.Contains(strings.ToLower(inst.Code), q) ||
			strings.Contains(strings.ToLower(inst.Description), q) {
			out = append(out, inst)
		}
	}
	sortInstruments(out)
	return out
}

// Raw returns every Raw instrument ordered by code.
func (r *Registry) Raw() []domain.Instrument {
	var out []domain.Instrument
	for _, inst := range r.List(domain.CategoryAll) {
		if inst.Kind == domain.KindRaw {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Resolve expands code into its vendor legs. Raw resolves to itself with
// weight 1, a Switch to its two legs with +1 and -1, and an Index to its legs
// with Switch legs expanded in turn. Every expanded leg is kept in definition
// order, including legs that share a vendor code.
func (r *Registry) Resolve(code string) (Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instruments[code]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, code)
	}

	plan := Plan{Code: code, Kind: inst.Kind}

	var expand func(inst domain.Instrument, w float64, depth int) error
	expand = func(inst domain.Instrument, w float64, depth int) error {
		if depth > len(r.instruments) {
			return fmt.Errorf("%w: cycle through %s", domain.ErrInvalidDefinition, inst.Code)
		}
		if inst.Kind == domain.KindRaw {
			plan.Legs = append(plan.Legs, PlanLeg{VendorCode: inst.VendorCode, Weight: w})
			return nil
		}
		for _, leg := range inst.Legs {
			child, ok := r.instruments[leg.Code]
			if !ok {
				return fmt.Errorf("%w: %s (leg of %s)", domain.ErrUnknownInstrument, leg.Code, inst.Code)
			}
			if err := expand(child, w*leg.Weight, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := expand(inst, 1, 0); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Register adds a new instrument. Registering an existing code is rejected;
// use Update to change a definition.
func (r *Registry) Register(ctx context.Context, inst domain.Instrument) (domain.Instrument, error) {
	inst.Code = strings.TrimSpace(inst.Code)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[inst.Code]; exists {
		return domain.Instrument{}, fmt.Errorf("%w: %s already registered", domain.ErrInvalidDefinition, inst.Code)
	}
	norm, err := normalize(inst, r.instruments)
	if err != nil {
		return domain.Instrument{}, err
	}
	norm.CreatedAt = r.now().UTC()
	norm.UpdatedAt = time.Time{}

	if err := r.persist(ctx, norm); err != nil {
		return domain.Instrument{}, err
	}
	r.instruments[norm.Code] = norm
	r.log.Info("instrument registered", "code", norm.Code, "kind", norm.Kind)
	return norm, nil
}

// Update replaces the definition of an existing instrument. The new
// definition and every instrument that depends on it must still validate.
func (r *Registry) Update(ctx context.Context, code string, inst domain.Instrument) (domain.Instrument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.instruments[code]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, code)
	}
	inst.Code = code

	candidate := make(map[string]domain.Instrument, len(r.instruments))
	for k, v := range r.instruments {
		candidate[k] = v
	}
	delete(candidate, code)
	norm, err := normalize(inst, candidate)
	if err != nil {
		return domain.Instrument{}, err
	}
	candidate[code] = norm

	for _, dep := range candidate {
		if dep.References(code) {
			if _, err := normalize(dep, candidate); err != nil {
				return domain.Instrument{}, fmt.Errorf("%w: breaks dependent %s", err, dep.Code)
			}
		}
	}
	if err := checkCycles(candidate); err != nil {
		return domain.Instrument{}, err
	}

	norm.CreatedAt = prev.CreatedAt
	norm.UpdatedAt = r.now().UTC()
	if err := r.persist(ctx, norm); err != nil {
		return domain.Instrument{}, err
	}
	r.instruments[code] = norm
	r.log.Info("instrument updated", "code", code, "kind", norm.Kind)
	return norm, nil
}

// Unregister removes code. It fails with ErrInstrumentInUse while any other
// instrument references it.
func (r *Registry) Unregister(ctx context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instruments[code]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, code)
	}
	var users []string
	for _, inst := range r.instruments {
		if inst.References(code) {
			users = append(users, inst.Code)
		}
	}
	if len(users) > 0 {
		sort.Strings(users)
		return fmt.Errorf("%w: %s is referenced by %s", domain.ErrInstrumentInUse, code, strings.Join(users, ", "))
	}

	if r.store != nil {
		if err := r.store.DeleteInstrument(ctx, code); err != nil {
			return fmt.Errorf("deleting %s: %w", code, err)
		}
	}
	delete(r.instruments, code)
	r.log.Info("instrument unregistered", "code", code)
	return nil
}

func (r *Registry) persist(ctx context.Context, inst domain.Instrument) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveInstrument(ctx, inst); err != nil {
		return fmt.Errorf("saving %s: %w", inst.Code, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// normalize validates inst against the instruments in known and returns it
// with defaults applied.
func normalize(inst domain.Instrument, known map[string]domain.Instrument) (domain.Instrument, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", domain.ErrInvalidDefinition, fmt.Sprintf(format, args...))
	}

	if inst.Code == "" {
		return inst, invalid("code is required")
	}
	kind, err := domain.ParseKind(string(inst.Kind))
	if err != nil {
		return inst, err
	}
	inst.Kind = kind
	cat, err := domain.ParseCategory(string(inst.Category))
	if err != nil {
		return inst, err
	}
	inst.Category = cat

	seen := make(map[string]bool, len(inst.Legs))
	legKind := func(leg domain.Leg) (domain.Kind, error) {
		if leg.Code == inst.Code {
			return "", invalid("%s references itself", inst.Code)
		}
		if seen[leg.Code] {
			return "", invalid("duplicate leg %s", leg.Code)
		}
		seen[leg.Code] = true
		ref, ok := known[leg.Code]
		if !ok {
			return "", invalid("leg %s is not registered", leg.Code)
		}
		return ref.Kind, nil
	}

	switch inst.Kind {
	case domain.KindRaw:
		if len(inst.Legs) > 0 {
			return inst, invalid("raw instrument %s cannot have legs", inst.Code)
		}
		inst.Legs = nil
		inst.VendorCode = strings.TrimSpace(inst.VendorCode)
		if inst.VendorCode == "" {
			inst.VendorCode = inst.Code
		}

	case domain.KindSwitch:
		if len(inst.Legs) != 2 {
			return inst, invalid("switch %s needs exactly two legs, got %d", inst.Code, len(inst.Legs))
		}
		for _, leg := range inst.Legs {
			k, err := legKind(leg)
			if err != nil {
				return inst, err
			}
			if k != domain.KindRaw {
				return inst, invalid("switch leg %s must be raw, is %s", leg.Code, k)
			}
		}
		inst.Legs = []domain.Leg{
			{Code: inst.Legs[0].Code, Weight: 1},
			{Code: inst.Legs[1].Code, Weight: -1},
		}
		inst.VendorCode = ""

	case domain.KindIndex:
		if len(inst.Legs) == 0 {
			return inst, invalid("index %s needs at least one leg", inst.Code)
		}
		for _, leg := range inst.Legs {
			k, err := legKind(leg)
			if err != nil {
				return inst, err
			}
			if k != domain.KindRaw && k != domain.KindSwitch {
				return inst, invalid("index leg %s must be raw or switch, is %s", leg.Code, k)
			}
			if leg.Weight == 0 || math.IsNaN(leg.Weight) || math.IsInf(leg.Weight, 0) {
				return inst, invalid("index leg %s has invalid weight %v", leg.Code, leg.Weight)
			}
		}
		inst.Legs = append([]domain.Leg(nil), inst.Legs...)
		inst.VendorCode = ""
	}
	return inst, nil
}

// checkCycles walks the leg graph and rejects any cycle.
func checkCycles(all map[string]domain.Instrument) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(all))

	var visit func(code string) error
	visit = func(code string) error {
		switch state[code] {
		case visiting:
			return fmt.Errorf("%w: cycle through %s", domain.ErrInvalidDefinition, code)
		case done:
			return nil
		}
		state[code] = visiting
		for _, leg := range all[code].Legs {
			if _, ok := all[leg.Code]; !ok {
				continue
			}
			if err := visit(leg.Code); err != nil {
				return err
			}
		}
		state[code] = done
		return nil
	}

	codes := make([]string, 0, len(all))
	for code := range all {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if err := visit(code); err != nil {
			return err
		}
	}
	return nil
}

func sortInstruments(out []domain.Instrument) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Code < out[j].Code
	})
}
