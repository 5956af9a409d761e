package index

// IDSet is a set of agent identifiers.
type IDSet map[string]struct{}

// NewIDSet builds a set from the given identifiers.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Clone returns an independent copy of the set.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Intersect narrows s to the identifiers also present in other, in place.
func (s IDSet) Intersect(other IDSet) {
	for id := range s {
		if _, ok := other[id]; !ok {
			delete(s, id)
		}
	}
}

// Union adds every identifier in other to s.
func (s IDSet) Union(other IDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Slice returns the identifiers in unspecified order.
func (s IDSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// Postings is a token -> set-of-identifiers inverted index. A token whose
// set would become empty is removed outright; some query paths distinguish
// "key present but empty" from "key absent", so stale empty keys are a
// correctness bug.
type Postings struct {
	entries map[string]IDSet
}

// NewPostings creates an empty postings index.
func NewPostings() *Postings {
	return &Postings{entries: make(map[string]IDSet)}
}

// Add records that id carries token.
func (p *Postings) Add(token, id string) {
	set, ok := p.entries[token]
	if !ok {
		set = make(IDSet)
		p.entries[token] = set
	}
	set[id] = struct{}{}
}

// Remove deletes id from token's set, pruning the key when it empties.
func (p *Postings) Remove(token, id string) {
	set, ok := p.entries[token]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(p.entries, token)
	}
}

// RemoveID deletes id from every set it appears in.
func (p *Postings) RemoveID(id string) {
	for token, set := range p.entries {
		if _, ok := set[id]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(p.entries, token)
			}
		}
	}
}

// Get returns the set for token, or nil when the token is not indexed.
// Callers must not mutate the returned set.
func (p *Postings) Get(token string) (IDSet, bool) {
	set, ok := p.entries[token]
	return set, ok
}

// Tokens returns the number of distinct indexed tokens.
func (p *Postings) Tokens() int {
	return len(p.entries)
}

// Range calls fn for every token until fn returns false.
func (p *Postings) Range(fn func(token string, ids IDSet) bool) {
	for token, set := range p.entries {
		if !fn(token, set) {
			return
		}
	}
}

// Clear drops every entry.
func (p *Postings) Clear() {
	p.entries = make(map[string]IDSet)
}
