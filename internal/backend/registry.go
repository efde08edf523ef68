package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/seantiz/anvil/internal/status"
)

type selection struct {
	desc     Descriptor
	priority int
	module   Module
}

// Registry holds candidate descriptors per capability and the module
// selected for each. It is safe for concurrent use.
type Registry struct {
	// selectMu serialises Select and Finalize so module Init and Finalize
	// may call back into Selected without deadlocking.
	selectMu sync.Mutex

	mu         sync.RWMutex
	candidates map[Capability][]Descriptor
	selected   map[Capability]*selection
	order      []Capability
	logger     *slog.Logger
}

// NewRegistry creates an empty backend registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		candidates: make(map[Capability][]Descriptor),
		selected:   make(map[Capability]*selection),
		logger:     logger,
	}
}

// Register appends a candidate for d.Capability.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || d.Query == nil {
		return fmt.Errorf("register backend %q: %w", d.Name, status.ErrBadParam)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.candidates[d.Capability] {
		if existing.Name == d.Name {
			return fmt.Errorf("register %s backend %q: %w", d.Capability, d.Name, status.ErrDuplicate)
		}
	}
	r.candidates[d.Capability] = append(r.candidates[d.Capability], d)
	return nil
}

// Select queries every candidate for capability and initialises the winner:
// the highest accepting priority, ties going to the first registered. A
// candidate that declines is skipped. When none accepts, Select fails with
// status.ErrNotFound and the capability stays unselected. Once a capability
// has been selected, later calls return the live module.
func (r *Registry) Select(capability Capability) (Module, error) {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	r.mu.RLock()
	if sel, ok := r.selected[capability]; ok {
		r.mu.RUnlock()
		return sel.module, nil
	}
	candidates := append([]Descriptor(nil), r.candidates[capability]...)
	r.mu.RUnlock()

	var best *selection
	for _, d := range candidates {
		m, priority, err := d.Query(d.Priority)
		if err != nil {
			r.logger.Debug("backend declined", "capability", capability.String(), "backend", d.Name, "error", err)
			continue
		}
		if m == nil {
			r.logger.Debug("backend returned no module", "capability", capability.String(), "backend", d.Name)
			continue
		}
		if best == nil || priority > best.priority {
			best = &selection{desc: d, priority: priority, module: m}
		}
	}

	if best == nil {
		return nil, fmt.Errorf("select %s backend: %w", capability, status.ErrNotFound)
	}

	if err := best.module.Init(); err != nil {
		return nil, fmt.Errorf("init %s backend %q: %w: %w", capability, best.desc.Name, status.ErrFailedToStart, err)
	}

	r.mu.Lock()
	r.selected[capability] = best
	r.order = append(r.order, capability)
	r.mu.Unlock()

	r.logger.Info("backend selected",
		"capability", capability.String(),
		"backend", best.desc.Name,
		"priority", best.priority,
	)
	return best.module, nil
}

// Selected returns the live module for capability, or status.ErrNotSupported
// when nothing has been selected.
func (r *Registry) Selected(capability Capability) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sel, ok := r.selected[capability]
	if !ok {
		return nil, fmt.Errorf("%s backend: %w", capability, status.ErrNotSupported)
	}
	return sel.module, nil
}

// SelectedName returns the name of the module selected for capability.
func (r *Registry) SelectedName(capability Capability) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sel, ok := r.selected[capability]
	if !ok {
		return "", false
	}
	return sel.desc.Name, true
}

// Finalize tears down every selected module in reverse selection order. It
// is idempotent and a no-op when nothing was selected.
func (r *Registry) Finalize() error {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	r.mu.Lock()
	order := r.order
	selected := r.selected
	r.order = nil
	r.selected = make(map[Capability]*selection)
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		sel := selected[order[i]]
		if err := sel.module.Finalize(); err != nil {
			errs = append(errs, fmt.Errorf("finalize %s backend %q: %w", order[i], sel.desc.Name, err))
			continue
		}
		r.logger.Debug("backend finalized", "capability", order[i].String(), "backend", sel.desc.Name)
	}
	return errors.Join(errs...)
}

// List returns every registered candidate, sorted by capability then name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []Info
	for capability, descs := range r.candidates {
		sel := r.selected[capability]
		for _, d := range descs {
			info := Info{
				Name:       d.Name,
				Capability: capability,
				Priority:   d.Priority,
				Params:     d.Params,
			}
			if sel != nil && sel.desc.Name == d.Name {
				info.Selected = true
				info.Priority = sel.priority
			}
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Capability != infos[j].Capability {
			return infos[i].Capability < infos[j].Capability
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}
