package research

import (
	"github.com/fathomlabs/fathom/internal/executor"
)

// SourceStatusFound marks a source that returned usable content.
const SourceStatusFound = "found"

// SourceRecord is one harvested search result.
type SourceRecord struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Status  string `json:"status"`
}

// Outcome is the single structured result of one isolated research run.
type Outcome struct {
	ResearcherName string         `json:"researcher_name"`
	Summary        string         `json:"summary"`
	Sources        []SourceRecord `json:"sources"`
	ToolCalls      int            `json:"tool_calls"`
	TokensUsed     int            `json:"tokens_used"`
	ModelUsed      string         `json:"model_used"`
	DurationMs     int64          `json:"duration_ms"`
}

// HarvestSources projects a tool trace into source records. Only entries with
// a URL and no error survive; capture order is preserved.
func HarvestSources(trace []executor.ToolAction) []SourceRecord {
	var sources []SourceRecord
	for _, action := range trace {
		for _, r := range action.Results {
			if r.URL == "" || r.Error != "" {
				continue
			}
			sources = append(sources, SourceRecord{
				URL:     r.URL,
				Title:   r.Title,
				Content: r.Content,
				Status:  SourceStatusFound,
			})
		}
	}
	return sources
}
