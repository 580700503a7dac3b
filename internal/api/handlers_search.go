package api

import (
	"encoding/json"
	"net/http"

	"github.com/quantlake/finsight/internal/corpus"
	"github.com/quantlake/finsight/internal/retrieve"
)

type searchRequest struct {
	Query       string `json:"query"`
	Symbol      string `json:"symbol,omitempty"`
	FiscalYear  int    `json:"fiscal_year,omitempty"`
	DocType     string `json:"doc_type,omitempty"`
	TopK        int    `json:"top_k,omitempty"`
	UseReranker bool   `json:"use_reranker,omitempty"`
	// Format selects the response shape: "results" (default, raw
	// retrieval results), "records" (flattened), or "text" (prompt-ready
	// context block).
	Format     string `json:"format,omitempty"`
	TextBudget int    `json:"text_budget,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		jsonError(w, "query is required", http.StatusBadRequest)
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	if topK > 100 {
		topK = 100
	}

	filters := corpus.Filters{
		Symbol:     req.Symbol,
		FiscalYear: req.FiscalYear,
		DocType:    req.DocType,
	}
	resp, err := s.retriever.Search(r.Context(), req.Query, filters, topK, req.UseReranker)
	if err != nil {
		s.log.Error("search failed", "error", err)
		jsonError(w, "search failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch req.Format {
	case "text":
		json.NewEncoder(w).Encode(map[string]any{
			"context": retrieve.FormatText(resp.Results, req.TextBudget),
			"reason":  resp.Reason,
		})
	case "records":
		json.NewEncoder(w).Encode(map[string]any{
			"records": retrieve.FormatRecords(resp.Results),
			"reason":  resp.Reason,
		})
	default:
		json.NewEncoder(w).Encode(resp)
	}
}
