package search

import (
	"sort"
	"strings"
	"unicode"
)

// index is an in-memory inverted index over message content. It is owned by
// the indexer's worker goroutine and never touched from outside it; the
// exported fields exist only for the JSON snapshot.
type index struct {
	// Terms maps token -> message id -> occurrence count.
	Terms map[string]map[string]int `json:"terms"`
	// Docs maps message id -> metadata needed for filtering and ranking.
	Docs map[string]docInfo `json:"docs"`
}

type docInfo struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

func newIndex() *index {
	return &index{
		Terms: make(map[string]map[string]int),
		Docs:  make(map[string]docInfo),
	}
}

// add indexes one message, replacing any previous entry for the same id.
func (ix *index) add(id, sessionID, content string, timestamp int64) {
	if _, ok := ix.Docs[id]; ok {
		ix.remove(id)
	}
	tokens := tokenize(content)
	if len(tokens) == 0 {
		return
	}
	ix.Docs[id] = docInfo{SessionID: sessionID, Timestamp: timestamp}
	for _, tok := range tokens {
		postings, ok := ix.Terms[tok]
		if !ok {
			postings = make(map[string]int)
			ix.Terms[tok] = postings
		}
		postings[id]++
	}
}

// remove drops a message from the index.
func (ix *index) remove(id string) {
	if _, ok := ix.Docs[id]; !ok {
		return
	}
	delete(ix.Docs, id)
	for tok, postings := range ix.Terms {
		if _, ok := postings[id]; ok {
			delete(postings, id)
			if len(postings) == 0 {
				delete(ix.Terms, tok)
			}
		}
	}
}

// search returns message ids ranked by term-frequency score, ties broken by
// recency. An empty sessionID searches everything.
func (ix *index) search(query, sessionID string, limit int) []string {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	scores := make(map[string]int)
	for _, tok := range tokens {
		for id, count := range ix.Terms[tok] {
			scores[id] += count
		}
	}

	type hit struct {
		id        string
		score     int
		timestamp int64
	}
	hits := make([]hit, 0, len(scores))
	for id, score := range scores {
		doc := ix.Docs[id]
		if sessionID != "" && doc.SessionID != sessionID {
			continue
		}
		hits = append(hits, hit{id: id, score: score, timestamp: doc.Timestamp})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].timestamp > hits[j].timestamp
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

// size reports how many messages are indexed.
func (ix *index) size() int {
	return len(ix.Docs)
}

// tokenize lowercases and splits on anything that isn't a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
