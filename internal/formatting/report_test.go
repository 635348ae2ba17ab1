package formatting

import (
	"strings"
	"testing"

	"github.com/fathomlabs/fathom/internal/research"
)

func TestComposeReport(t *testing.T) {
	report := ComposeReport(
		"History of the transistor",
		"Findings are organized by step.",
		[]Section{
			{Heading: "Invention at Bell Labs", Body: "The point-contact transistor was demonstrated in 1947."},
			{Heading: "Commercialization", Body: "Texas Instruments shipped silicon transistors in 1954."},
		},
		[]string{"Step 3 (patent disputes) was skipped: provider unavailable."},
		[]research.SourceRecord{
			{URL: "https://a.example/bell", Title: "Bell Labs", Status: research.SourceStatusFound},
			{URL: "https://b.example/ti", Title: "TI history", Status: research.SourceStatusFound},
		},
	)

	for _, want := range []string{
		"# History of the transistor",
		"Findings are organized by step.",
		"## Invention at Bell Labs",
		"demonstrated in 1947",
		"## Commercialization",
		"## Research Gaps",
		"patent disputes",
		"## Sources",
		"[1] Bell Labs (https://a.example/bell)",
		"[2] TI history (https://b.example/ti)",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
	if strings.Count(report, "## Sources") != 1 {
		t.Fatalf("report must contain exactly one Sources section:\n%s", report)
	}
}

func TestComposeReportStripsStepSources(t *testing.T) {
	report := ComposeReport(
		"q",
		"",
		[]Section{{Heading: "Step", Body: "Findings.\n\n## Sources\n[1] rogue (https://rogue.example)"}},
		nil,
		[]research.SourceRecord{{URL: "https://real.example", Title: "Real"}},
	)
	if strings.Contains(report, "rogue.example") {
		t.Fatalf("step-local sources must be stripped:\n%s", report)
	}
	if strings.Count(report, "## Sources") != 1 {
		t.Fatalf("expected exactly one Sources section:\n%s", report)
	}
}

func TestComposeReportNoGapsSection(t *testing.T) {
	report := ComposeReport("q", "", []Section{{Heading: "S", Body: "b"}}, nil, nil)
	if strings.Contains(report, "## Research Gaps") {
		t.Fatalf("gaps section must be omitted when there are no gaps:\n%s", report)
	}
	if !strings.Contains(report, "No sources captured.") {
		t.Fatalf("empty source list must be stated:\n%s", report)
	}
}

func TestComposeReportEmptyBody(t *testing.T) {
	report := ComposeReport("q", "", []Section{{Heading: "Quiet step", Body: "   "}}, nil, nil)
	if !strings.Contains(report, "No findings were returned for this step.") {
		t.Fatalf("empty body placeholder missing:\n%s", report)
	}
}

func TestStripSources(t *testing.T) {
	if got := StripSources("body text"); got != "body text" {
		t.Fatalf("unexpected: %q", got)
	}
	got := StripSources("intro mentions ## Sources early\n\nmore\n\n## Sources\n[1] x")
	if strings.Contains(got, "[1] x") {
		t.Fatalf("trailing section not stripped: %q", got)
	}
	if !strings.Contains(got, "more") {
		t.Fatalf("body cut too early: %q", got)
	}
}

func TestSourcesSectionDeduplicates(t *testing.T) {
	section := SourcesSection([]research.SourceRecord{
		{URL: "https://a.example", Title: "A"},
		{URL: "https://b.example", Title: "B"},
		{URL: "https://a.example", Title: "A again"},
		{URL: ""},
	})
	if strings.Count(section, "https://a.example") != 1 {
		t.Fatalf("duplicate URL not removed:\n%s", section)
	}
	if !strings.Contains(section, "[2] B (https://b.example)") {
		t.Fatalf("numbering wrong:\n%s", section)
	}
	if strings.Contains(section, "[3]") {
		t.Fatalf("dedupe must not advance numbering:\n%s", section)
	}
}

func TestSourcesSectionUntitled(t *testing.T) {
	section := SourcesSection([]research.SourceRecord{{URL: "https://bare.example"}})
	if !strings.Contains(section, "[1] https://bare.example") {
		t.Fatalf("untitled source rendering wrong:\n%s", section)
	}
}
