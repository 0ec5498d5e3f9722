package loan

import "sort"

// =============================================================================
// RELATION INDEX - REPLAYED chains with O(1) resolve-to-latest
// =============================================================================

// RelationIndex tracks, for every transaction, the original it descends
// from (root) and, for every root, its latest replayed copy (head).
// Lookups by internal or external id resolve to the head.
type RelationIndex struct {
	relations  []Relation
	root       map[int64]int64
	head       map[int64]int64
	chain      map[int64][]int64
	byExternal map[string]int64
}

func NewRelationIndex(txs []Transaction, rels []Relation) *RelationIndex {
	r := &RelationIndex{
		root:       make(map[int64]int64, len(txs)),
		head:       make(map[int64]int64, len(txs)),
		chain:      make(map[int64][]int64, len(txs)),
		byExternal: make(map[string]int64),
	}
	for _, tx := range txs {
		r.AddTransaction(tx)
	}

	// Replay copies always get higher ids than what they replace.
	sorted := append([]Relation(nil), rels...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FromID < sorted[j].FromID })
	for _, rel := range sorted {
		r.Add(rel)
	}
	return r
}

// AddTransaction registers tx as its own root unless a relation already
// placed it in a chain.
func (r *RelationIndex) AddTransaction(tx Transaction) {
	if _, ok := r.root[tx.ID]; !ok {
		r.root[tx.ID] = tx.ID
		r.head[tx.ID] = tx.ID
		r.chain[tx.ID] = []int64{tx.ID}
	}
	if tx.ExternalID != "" {
		r.byExternal[tx.ExternalID] = tx.ID
	}
}

func (r *RelationIndex) Add(rel Relation) {
	r.relations = append(r.relations, rel)
	if rel.Type != RelationReplayed {
		return
	}
	root := r.Root(rel.ToID)
	if old, ok := r.root[rel.FromID]; ok && old == rel.FromID {
		delete(r.head, rel.FromID)
		delete(r.chain, rel.FromID)
	}
	r.root[rel.FromID] = root
	r.head[root] = rel.FromID
	r.chain[root] = append(r.chain[root], rel.FromID)
}

// Root is the original transaction id id descends from.
func (r *RelationIndex) Root(id int64) int64 {
	if root, ok := r.root[id]; ok {
		return root
	}
	return id
}

// Resolve returns the latest copy of id.
func (r *RelationIndex) Resolve(id int64) int64 {
	if head, ok := r.head[r.Root(id)]; ok {
		return head
	}
	return id
}

// ResolveExternal returns the latest copy of the transaction carrying ext.
func (r *RelationIndex) ResolveExternal(ext string) (int64, bool) {
	id, ok := r.byExternal[ext]
	if !ok {
		return 0, false
	}
	return r.Resolve(id), true
}

// Chain lists id's lineage from the original to the latest copy.
func (r *RelationIndex) Chain(id int64) []int64 {
	return append([]int64(nil), r.chain[r.Root(id)]...)
}

// SameLineage reports whether a and b are copies of the same original.
func (r *RelationIndex) SameLineage(a, b int64) bool {
	return r.Root(a) == r.Root(b)
}

// From returns relations leaving id.
func (r *RelationIndex) From(id int64) []Relation {
	var out []Relation
	for _, rel := range r.relations {
		if rel.FromID == id {
			out = append(out, rel)
		}
	}
	return out
}

func (r *RelationIndex) Relations() []Relation {
	return append([]Relation(nil), r.relations...)
}
