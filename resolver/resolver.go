// Package resolver computes installation plans for registry packages: a
// breadth-first walk over semver-constrained dependency edges, selecting
// the highest published version that satisfies each range.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"xdao.co/wasmreg/manifest"
	"xdao.co/wasmreg/registry"
	"xdao.co/wasmreg/vers"
)

// Repository is the read surface the resolver needs. registry.Store
// satisfies it; an unknown package must surface as a NOT_FOUND coded
// error.
type Repository interface {
	ListVersions(ctx context.Context, id string) ([]string, error)
	Entity(ctx context.Context, id, version string) (*manifest.Entity, error)
}

// Ref identifies one published entity version.
type Ref struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

func (r Ref) Key() string { return r.ID + "@" + r.Version }

// MissingPolicy decides what happens when a required interface tag has no
// provider in the closure.
type MissingPolicy int

const (
	// MissingAdvise reports unmet interfaces in Result.Missing and
	// resolves anyway.
	MissingAdvise MissingPolicy = iota
	// MissingBlock fails the resolution with ErrMissingInterfaces.
	MissingBlock
)

// DefaultMaxDepth bounds the dependency walk.
const DefaultMaxDepth = 64

var (
	// ErrCycle is returned when the package graph depends on itself.
	ErrCycle = errors.New("resolver: dependency cycle")
	// ErrDepthExceeded is returned when the walk passes MaxDepth levels.
	ErrDepthExceeded = errors.New("resolver: max dependency depth exceeded")
	// ErrMissingInterfaces is returned under MissingBlock when required
	// interfaces have no provider.
	ErrMissingInterfaces = errors.New("resolver: required interfaces unsatisfied")
)

// Result is a completed resolution. All slices are deterministic for a
// given repository state and input.
type Result struct {
	Root Ref `json:"root"`

	// Plan lists the versions to install, in discovery order, excluding
	// the root and anything already installed.
	Plan []Ref `json:"plan"`

	// Satisfies is the union of every interface tag provided by the
	// closure: the root, the planned entities and the installed set.
	Satisfies []string `json:"satisfies,omitempty"`

	// Missing lists required interface tags with no provider.
	Missing []string `json:"missing,omitempty"`

	// Conflicts lists dependency ranges that could not be met.
	Conflicts []string `json:"conflicts,omitempty"`
}

// Options configures a Resolver. The zero value is usable.
type Options struct {
	// MaxDepth bounds the walk; zero means DefaultMaxDepth.
	MaxDepth int

	// Missing selects the unmet-interface policy.
	Missing MissingPolicy

	// CacheTTL bounds how long results are reused. Zero means
	// DefaultCacheTTL; negative disables caching.
	CacheTTL time.Duration
}

// Resolver runs resolutions against a Repository, memoizing results until
// Invalidate or expiry.
type Resolver struct {
	repo     Repository
	maxDepth int
	missing  MissingPolicy
	cache    *resultCache
}

func New(repo Repository, opts Options) *Resolver {
	r := &Resolver{
		repo:     repo,
		maxDepth: opts.MaxDepth,
		missing:  opts.Missing,
	}
	if r.maxDepth <= 0 {
		r.maxDepth = DefaultMaxDepth
	}
	r.cache = newResultCache(opts.CacheTTL)
	return r
}

// Invalidate drops every cached result whose closure touched id. Wire it
// to the store's publish hook so new versions become visible immediately.
func (r *Resolver) Invalidate(id string) { r.cache.invalidate(id) }

type workItem struct {
	entity *manifest.Entity
	depth  int
}

// Resolve computes the plan for id@version given an already-installed set.
//
// The walk is an explicit worklist with a per-item depth counter. Each
// (id, range) edge is evaluated once; each chosen (id, version) is
// expanded once. Installed refs are treated as satisfied leaves: their
// provides count toward Satisfies but they are never planned or expanded.
func (r *Resolver) Resolve(ctx context.Context, id, version string, installed []Ref) (*Result, error) {
	cacheKey := resolveCacheKey(id, version, installed)
	if res, ok := r.cache.get(cacheKey); ok {
		return res, nil
	}

	root, err := r.repo.Entity(ctx, id, version)
	if err != nil {
		return nil, err
	}

	installedByID := make(map[string][]string)
	visited := map[Ref]bool{{ID: id, Version: version}: true}
	provides := make(map[string]bool)
	requires := make(map[string]bool)
	touched := map[string]bool{id: true}

	for _, ref := range installed {
		installedByID[ref.ID] = append(installedByID[ref.ID], ref.Version)
		visited[ref] = true
		touched[ref.ID] = true
		if ent, err := r.repo.Entity(ctx, ref.ID, ref.Version); err == nil {
			for _, tag := range ent.Provides() {
				provides[tag] = true
			}
		} else if !registry.IsCode(err, registry.CodeNotFound) {
			return nil, err
		}
	}

	var (
		plan      []Ref
		conflicts []string
		edges     = make(map[string]bool)
		graph     = make(map[string][]string)
		queue     = []workItem{{entity: root, depth: 0}}
	)

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		for _, tag := range it.entity.Provides() {
			provides[tag] = true
		}
		for _, tag := range it.entity.Requires() {
			requires[tag] = true
		}

		for _, dep := range it.entity.Dependencies() {
			graph[it.entity.ID()] = append(graph[it.entity.ID()], dep.ID)
			touched[dep.ID] = true

			edgeKey := dep.ID + "@" + dep.Range
			if edges[edgeKey] {
				continue
			}
			edges[edgeKey] = true

			if installedSatisfies(installedByID, dep) {
				continue
			}

			versions, err := r.repo.ListVersions(ctx, dep.ID)
			if registry.IsCode(err, registry.CodeNotFound) {
				conflicts = append(conflicts, fmt.Sprintf("%s@%s: package not published", dep.ID, dep.Range))
				continue
			}
			if err != nil {
				return nil, err
			}

			chosen, ok := vers.MaxSatisfying(versions, dep.Range)
			if !ok {
				conflicts = append(conflicts, fmt.Sprintf("no compatible version for %s@%s", dep.ID, dep.Range))
				continue
			}

			ref := Ref{ID: dep.ID, Version: chosen}
			if visited[ref] {
				continue
			}
			if it.depth+1 > r.maxDepth {
				return nil, fmt.Errorf("%w (%d levels) at %s", ErrDepthExceeded, r.maxDepth, ref.Key())
			}
			visited[ref] = true

			ent, err := r.repo.Entity(ctx, ref.ID, ref.Version)
			if err != nil {
				return nil, err
			}
			plan = append(plan, ref)
			queue = append(queue, workItem{entity: ent, depth: it.depth + 1})
		}
	}

	if cycle := findCycle(graph, id); cycle != "" {
		return nil, fmt.Errorf("%w through %s", ErrCycle, cycle)
	}

	res := &Result{Root: Ref{ID: id, Version: version}, Plan: plan, Conflicts: conflicts}
	for tag := range provides {
		res.Satisfies = append(res.Satisfies, tag)
	}
	for tag := range requires {
		if !provides[tag] {
			res.Missing = append(res.Missing, tag)
		}
	}
	sort.Strings(res.Satisfies)
	sort.Strings(res.Missing)
	sort.Strings(res.Conflicts)

	if r.missing == MissingBlock && len(res.Missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingInterfaces, strings.Join(res.Missing, ", "))
	}

	ids := make([]string, 0, len(touched))
	for t := range touched {
		ids = append(ids, t)
	}
	r.cache.put(cacheKey, res, ids)
	return res, nil
}

func installedSatisfies(installedByID map[string][]string, dep manifest.Dependency) bool {
	for _, v := range installedByID[dep.ID] {
		if vers.Satisfies(v, dep.Range) {
			return true
		}
	}
	return false
}

// findCycle runs an iterative depth-first search over the id-level graph
// and returns the id where a back edge closes a cycle, or "".
func findCycle(graph map[string][]string, start string) string {
	const (
		unseen = iota
		onStack
		done
	)
	state := make(map[string]int)

	type frame struct {
		id   string
		next int
	}
	var stack []frame

	push := func(id string) {
		state[id] = onStack
		stack = append(stack, frame{id: id})
	}
	push(start)

	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		deps := graph[f.id]
		if f.next >= len(deps) {
			state[f.id] = done
			stack = stack[:len(stack)-1]
			continue
		}
		next := deps[f.next]
		f.next++
		switch state[next] {
		case onStack:
			return next
		case unseen:
			push(next)
		}
	}
	return ""
}
