package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve"
)

// ReportIndex is a full-text index over persisted session reports,
// powering `deepscout history search`.
type ReportIndex struct {
	index bleve.Index
}

type indexedReport struct {
	Query  string `json:"query"`
	Report string `json:"report"`
	Status string `json:"status"`
}

// OpenReportIndex opens or creates the bleve index at path.
func OpenReportIndex(path string) (*ReportIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening report index: %w", err)
	}
	return &ReportIndex{index: idx}, nil
}

// Index adds or replaces one session's report.
func (r *ReportIndex) Index(rec SessionRecord) error {
	return r.index.Index(rec.ID, indexedReport{
		Query:  rec.Query,
		Report: rec.CitedOutput,
		Status: rec.Status,
	})
}

// SearchHit is one index match.
type SearchHit struct {
	SessionID string  `json:"session_id"`
	Score     float64 `json:"score"`
}

// Search runs a query-string search over indexed reports.
func (r *ReportIndex) Search(query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	req.Size = limit
	res, err := r.index.Search(req)
	if err != nil {
		return nil, err
	}
	out := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, SearchHit{SessionID: h.ID, Score: h.Score})
	}
	return out, nil
}

// Close releases the index.
func (r *ReportIndex) Close() error { return r.index.Close() }
