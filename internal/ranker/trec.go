package ranker

import (
	"fmt"
	"io"
	"sort"

	"github.com/hscells/trecresults"
)

// ToTREC converts a ranking into TREC run lines for topic res.QueryID.
func ToTREC(res *Result, runName string) trecresults.ResultList {
	list := make(trecresults.ResultList, len(res.Results))
	for i, d := range res.Results {
		list[i] = &trecresults.Result{
			Topic:     res.QueryID,
			Iteration: "Q0",
			DocId:     d.DocID,
			Rank:      int64(d.Rank),
			Score:     d.Score,
			RunName:   runName,
		}
	}
	return list
}

// WriteRun writes every result list to w, one TREC line per document.
func WriteRun(w io.Writer, lists ...trecresults.ResultList) error {
	for _, list := range lists {
		for _, r := range list {
			if _, err := fmt.Fprintln(w, r.String()); err != nil {
				return fmt.Errorf("writing run line: %w", err)
			}
		}
	}
	return nil
}

// ReadCandidates parses a TREC run and returns, per topic, the documents in
// their original rank order.
func ReadCandidates(r io.Reader) (map[string][]string, error) {
	file, err := trecresults.ResultsFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing candidate run: %w", err)
	}
	out := make(map[string][]string, len(file.Results))
	for topic, list := range file.Results {
		sorted := append(trecresults.ResultList(nil), list...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })
		ids := make([]string, len(sorted))
		for i, res := range sorted {
			ids[i] = res.DocId
		}
		out[topic] = ids
	}
	return out, nil
}
