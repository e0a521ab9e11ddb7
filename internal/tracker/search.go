package tracker

import (
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/zedarvates/storycore/internal/reference"
)

// issueIndex is a mem-only full-text index over issue descriptions, rebuilt from
// the store on restart by whoever wires the tracker. It exists for the UI's
// "find that issue about the jacket" search box.
type issueIndex struct {
	mu    sync.Mutex
	index bleve.Index
	docs  map[string]issueDoc
}

type issueDoc struct {
	Description string `json:"description"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	ShotID      string `json:"shot_id"`
	Affected    string `json:"affected"`
	Status      string `json:"status"`
}

func newIssueIndex() (*issueIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &issueIndex{index: index, docs: map[string]issueDoc{}}, nil
}

func (x *issueIndex) add(iss reference.ConsistencyIssue) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	status := "active"
	if iss.Resolved() {
		status = "resolved"
	}
	doc := issueDoc{
		Description: iss.Description,
		Type:        string(iss.Type),
		Severity:    string(iss.Severity),
		ShotID:      iss.ShotID,
		Affected:    strings.Join(iss.AffectedElements, " "),
		Status:      status,
	}
	x.docs[iss.ID] = doc
	return x.index.Index(iss.ID, doc)
}

func (x *issueIndex) markResolved(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	doc, ok := x.docs[id]
	if !ok {
		return nil
	}
	doc.Status = "resolved"
	x.docs[id] = doc
	return x.index.Index(id, doc)
}

// IssueHit is one search result: the issue id and its relevance score.
type IssueHit struct {
	IssueID string  `json:"issueId"`
	Score   float64 `json:"score"`
}

// Search runs a query-string search over indexed issues and returns up to limit
// hits by relevance.
func (t *Tracker) Search(query string, limit int) ([]IssueHit, error) {
	if limit <= 0 {
		limit = 20
	}
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := t.index.index.Search(req)
	if err != nil {
		return nil, err
	}
	hits := make([]IssueHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, IssueHit{IssueID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Reindex repopulates the search index from a list of issues, used at startup.
func (t *Tracker) Reindex(issues []reference.ConsistencyIssue) error {
	for _, iss := range issues {
		if err := t.index.add(iss); err != nil {
			return err
		}
	}
	return nil
}
