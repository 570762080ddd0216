// Package keys derives backend keys from (key, group, tenant) and keeps the
// group classification index.
//
// Layout:
//
//	<salt><segment>:<group>:<key>
//
// segment is "global" for global groups and the tenant id otherwise. ':' and
// '%' inside group and key are percent-escaped, so distinct inputs never
// share a derived key and the three segments always parse back.
package keys

import (
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
)

type Class uint8

const (
	Default Class = iota
	Global
	Ignored
	Unflushable
)

func (c Class) String() string {
	switch c {
	case Global:
		return "global"
	case Ignored:
		return "ignored"
	case Unflushable:
		return "unflushable"
	}
	return "default"
}

const (
	DefaultGroup  = "default"
	GlobalSegment = "global"

	defaultMemoEntries = 4096
)

var (
	escaper     = strings.NewReplacer("%", "%25", ":", "%3A")
	globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
)

// Sanitize escapes the namespace delimiter. It is injective.
func Sanitize(s string) string { return escaper.Replace(s) }

// EscapeGlob quotes SCAN MATCH metacharacters.
func EscapeGlob(s string) string { return globEscaper.Replace(s) }

// Route is the result of deriving a key.
type Route struct {
	Key   string
	Group string
	Class Class // effective class, global groups read as Ignored while degraded
	DB    int
}

type Config struct {
	Salt              string
	TenantID          int // 0 => 1
	GlobalDB          int
	TenantDB          int // 0 => 1
	DatabasePerTenant bool
	MemoEntries       int64 // 0 => 4096
}

type Router struct {
	salt      string
	globalDB  int
	tenantDB  int
	perTenant bool

	mu          sync.RWMutex
	tenant      int
	degraded    bool
	gen         uint64
	global      map[string]struct{}
	ignored     map[string]struct{}
	unflushable map[string]struct{}
	index       map[string]Class

	memo *ristretto.Cache // memo key -> derived prefix
}

func New(cfg Config) (*Router, error) {
	memoSize := cfg.MemoEntries
	if memoSize <= 0 {
		memoSize = defaultMemoEntries
	}
	memo, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: memoSize * 10,
		MaxCost:     memoSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	r := &Router{
		salt:        cfg.Salt,
		globalDB:    cfg.GlobalDB,
		tenantDB:    cfg.TenantDB,
		perTenant:   cfg.DatabasePerTenant,
		tenant:      cfg.TenantID,
		global:      make(map[string]struct{}),
		ignored:     make(map[string]struct{}),
		unflushable: make(map[string]struct{}),
		index:       make(map[string]Class),
		memo:        memo,
	}
	if r.tenant <= 0 {
		r.tenant = 1
	}
	if r.tenantDB <= 0 {
		r.tenantDB = 1
	}
	return r, nil
}

func (r *Router) Close() { r.memo.Close() }

func normalizeGroup(g string) string {
	if g = strings.TrimSpace(g); g == "" {
		return DefaultGroup
	}
	return g
}

// Derive is deterministic for a given tenant and classification.
func (r *Router) Derive(key, group string) Route {
	group = normalizeGroup(group)

	r.mu.RLock()
	declared := r.index[group]
	eff := r.effectiveLocked(declared)
	tenant, gen := r.tenant, r.gen
	r.mu.RUnlock()

	return Route{
		Key:   r.prefix(gen, tenant, group, declared == Global) + Sanitize(key),
		Group: group,
		Class: eff,
		DB:    r.dbFor(declared, tenant),
	}
}

func (r *Router) prefix(gen uint64, tenant int, group string, global bool) string {
	mk := strconv.FormatUint(gen, 10) + "|" + strconv.Itoa(tenant) + "|" + group
	if v, ok := r.memo.Get(mk); ok {
		return v.(string)
	}
	seg := strconv.Itoa(tenant)
	if global {
		seg = GlobalSegment
	}
	p := r.salt + seg + ":" + Sanitize(group) + ":"
	r.memo.Set(mk, p, 1)
	return p
}

func (r *Router) dbFor(declared Class, tenant int) int {
	switch {
	case declared == Global:
		return r.globalDB
	case r.perTenant:
		return tenant
	}
	return r.tenantDB
}

func (r *Router) effectiveLocked(declared Class) Class {
	if r.degraded && declared == Global {
		return Ignored
	}
	return declared
}

// Classify returns the effective class of group.
func (r *Router) Classify(group string) Class {
	group = normalizeGroup(group)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.effectiveLocked(r.index[group])
}

// GroupPattern is the SCAN MATCH pattern covering every key of group.
func (r *Router) GroupPattern(group string) string {
	rt := r.Derive("", group)
	return EscapeGlob(rt.Key) + "*"
}

// SaltPattern matches every key written with this router's salt.
func (r *Router) SaltPattern() string { return EscapeGlob(r.salt) + "*" }

func (r *Router) Salt() string { return r.salt }

// GroupSegment is the substring that identifies group inside a derived key.
func GroupSegment(group string) string {
	return ":" + Sanitize(normalizeGroup(group)) + ":"
}

// Databases lists the distinct logical databases the router can hand out
// for the current tenant.
func (r *Router) Databases() []int {
	r.mu.RLock()
	tdb := r.tenantDB
	if r.perTenant {
		tdb = r.tenant
	}
	r.mu.RUnlock()
	if tdb == r.globalDB {
		return []int{r.globalDB}
	}
	return []int{r.globalDB, tdb}
}

func (r *Router) AddGlobal(groups ...string)      { r.add(r.global, groups) }
func (r *Router) AddIgnored(groups ...string)     { r.add(r.ignored, groups) }
func (r *Router) AddUnflushable(groups ...string) { r.add(r.unflushable, groups) }

func (r *Router) add(set map[string]struct{}, groups []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range groups {
		set[normalizeGroup(g)] = struct{}{}
	}
	r.rebuildLocked()
}

// rebuildLocked recomputes the index; later sets override earlier ones.
func (r *Router) rebuildLocked() {
	idx := make(map[string]Class, len(r.global)+len(r.ignored)+len(r.unflushable))
	for g := range r.global {
		idx[g] = Global
	}
	for g := range r.ignored {
		idx[g] = Ignored
	}
	for g := range r.unflushable {
		idx[g] = Unflushable
	}
	r.index = idx
	r.gen++
}

// SetDegraded makes global groups read as ignored until cleared.
func (r *Router) SetDegraded(v bool) {
	r.mu.Lock()
	r.degraded = v
	r.mu.Unlock()
}

func (r *Router) SwitchTenant(id int) {
	if id <= 0 {
		id = 1
	}
	r.mu.Lock()
	r.tenant = id
	r.mu.Unlock()
}

func (r *Router) Tenant() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenant
}
