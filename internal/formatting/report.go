package formatting

import (
    "fmt"
    "strings"

    "github.com/fathomlabs/fathom/internal/research"
)

// Section is one finding block of the final report.
type Section struct {
    Heading string
    Body    string
}

// ComposeReport assembles the final report deterministically: title, optional
// intro paragraph, one section per completed step, a gaps section when steps
// were skipped, and a single rebuilt Sources section. Any Sources section a
// step summary carries is stripped so the report ends with exactly one.
func ComposeReport(title, intro string, sections []Section, gaps []string, sources []research.SourceRecord) string {
    var b strings.Builder
    b.WriteString("# ")
    b.WriteString(strings.TrimSpace(title))
    b.WriteString("\n")

    if intro = strings.TrimSpace(intro); intro != "" {
        b.WriteString("\n")
        b.WriteString(intro)
        b.WriteString("\n")
    }

    for _, s := range sections {
        body := strings.TrimSpace(StripSources(s.Body))
        if s.Heading == "" && body == "" {
            continue
        }
        b.WriteString("\n## ")
        b.WriteString(strings.TrimSpace(s.Heading))
        b.WriteString("\n\n")
        if body == "" {
            body = "No findings were returned for this step."
        }
        b.WriteString(body)
        b.WriteString("\n")
    }

    if len(gaps) > 0 {
        b.WriteString("\n## Research Gaps\n\n")
        for _, g := range gaps {
            b.WriteString("- ")
            b.WriteString(strings.TrimSpace(g))
            b.WriteString("\n")
        }
    }

    b.WriteString("\n")
    b.WriteString(SourcesSection(sources))
    return b.String()
}

// StripSources removes a trailing Sources section from a summary.
// The LAST occurrence of the heading is used so body text that merely
// mentions "## Sources" is not cut.
func StripSources(s string) string {
    lower := strings.ToLower(s)
    if idx := strings.LastIndex(lower, "## sources"); idx != -1 {
        return strings.TrimSpace(s[:idx])
    }
    return s
}

// SourcesSection renders the harvested sources as a numbered list. URLs are
// deduplicated first-occurrence-wins; capture order is preserved.
func SourcesSection(sources []research.SourceRecord) string {
    var b strings.Builder
    b.WriteString("## Sources\n")

    seen := map[string]bool{}
    n := 0
    for _, src := range sources {
        if src.URL == "" || seen[src.URL] {
            continue
        }
        seen[src.URL] = true
        n++
        if src.Title != "" {
            fmt.Fprintf(&b, "[%d] %s (%s)\n", n, strings.TrimSpace(src.Title), src.URL)
        } else {
            fmt.Fprintf(&b, "[%d] %s\n", n, src.URL)
        }
    }
    if n == 0 {
        b.WriteString("No sources captured.\n")
    }
    return b.String()
}
