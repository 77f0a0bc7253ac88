package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// canonNode is the canonical, encodable form of a constraint subtree.
type canonNode struct {
	Op       string      `msgpack:"o"`
	Negated  bool        `msgpack:"n,omitempty"`
	Children []canonNode `msgpack:"c,omitempty"`
	// Leaf fields; set when Children is empty and Path is non-empty.
	Path  string `msgpack:"p,omitempty"`
	LkOp  string `msgpack:"l,omitempty"`
	Value string `msgpack:"v,omitempty"`
	Group int    `msgpack:"g,omitempty"`
}

// canonQuery is the canonical form of a full query state, used only for
// fingerprinting.
type canonQuery struct {
	Dialect  string      `msgpack:"d"`
	Root     string      `msgpack:"r"`
	Mode     int         `msgpack:"m"`
	Where    canonNode   `msgpack:"w"`
	Anns     [][2]string `msgpack:"a,omitempty"`
	Order    []string    `msgpack:"o,omitempty"`
	Distinct bool        `msgpack:"x,omitempty"`
	Limit    *int        `msgpack:"li,omitempty"`
	Offset   *int        `msgpack:"of,omitempty"`
	Values   []string    `msgpack:"vf,omitempty"`
	VMode    bool        `msgpack:"vm,omitempty"`
	Related  []string    `msgpack:"re,omitempty"`
}

func canonQ(q Q) canonNode {
	n := canonNode{Op: q.op, Negated: q.negated}
	for _, c := range q.children {
		if c.cond != nil {
			n.Children = append(n.Children, canonNode{
				Path:  c.cond.Path,
				LkOp:  c.cond.Op,
				Value: canonValue(c.cond.Value),
				Group: c.cond.joinGroup,
			})
			continue
		}
		n.Children = append(n.Children, canonQ(*c.group))
	}
	return n
}

func canonValue(v any) string {
	if e, ok := v.(Expr); ok {
		return "expr:" + canonExpr(e)
	}
	return fmt.Sprintf("%#v", v)
}

// fingerprint returns a stable hex digest identifying the query state,
// mode and dialect. Identical chains always produce identical
// fingerprints, which makes the digest a sound plan-cache key.
func fingerprint(s *state, dialectName string, mode compileMode) (string, error) {
	cq := canonQuery{
		Dialect:  dialectName,
		Root:     s.rootName,
		Mode:     int(mode),
		Where:    canonQ(s.where),
		Order:    s.ordering,
		Distinct: s.distinct,
		Limit:    s.limit,
		Offset:   s.offset,
		Values:   s.valuesFields,
		VMode:    s.valuesMode,
		Related:  s.related,
	}
	for _, a := range s.annotations {
		cq.Anns = append(cq.Anns, [2]string{a.name, canonExpr(a.expr)})
	}
	raw, err := msgpack.Marshal(cq)
	if err != nil {
		return "", fmt.Errorf("query: fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// PlanCache memoizes compiled statements by query fingerprint. The
// compiler is deterministic, so a hit can be replayed without
// recompiling. The cache is safe for concurrent use.
type PlanCache struct {
	mu    sync.Mutex
	max   int
	plans map[string]*Compiled
	order []string // insertion order, for FIFO eviction
}

// NewPlanCache returns a PlanCache holding at most max entries.
// A non-positive max selects a default of 512.
func NewPlanCache(max int) *PlanCache {
	if max <= 0 {
		max = 512
	}
	return &PlanCache{max: max, plans: make(map[string]*Compiled)}
}

// Get returns the cached plan for the fingerprint, if any.
func (c *PlanCache) Get(fp string) (*Compiled, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[fp]
	return p, ok
}

// Put stores a compiled plan, evicting the oldest entry when full.
func (c *PlanCache) Put(fp string, p *Compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.plans[fp]; ok {
		return
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.plans, oldest)
	}
	c.plans[fp] = p
	c.order = append(c.order, fp)
}

// Len returns the number of cached plans.
func (c *PlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}
