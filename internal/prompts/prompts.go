package prompts

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Set holds the instruction texts driving the two LLM roles plus the fixed
// report preamble. The planner text seeds the coordinator's single planning
// call; the researcher text is the system prompt of every isolated research
// run; the synthesis preamble opens the final report (synthesis itself makes
// no LLM calls).
type Set struct {
	Planner           string `yaml:"planner"`
	Researcher        string `yaml:"researcher"`
	SynthesisPreamble string `yaml:"synthesis_preamble"`
}

const defaultPlanner = `You are a research planner for a deep research assistant.

Break the user's research goal into concrete, independently answerable research
questions and record them with the write_todos tool.

Rules:
- Produce between 2 and 6 steps for comparative or multi-part goals, 1 to 3 for
  narrow ones
- Each step must be a self-contained research question that a specialist could
  answer with web searches alone
- Do not add report-writing or synthesis steps; synthesis happens after all
  research is done
- Call write_todos exactly once with the full list`

const defaultResearcher = `You are a Research Specialist.

Use internet_search to find information. Return a prose summary of findings.

Rules:
- Call internet_search ONCE with a focused query
- Analyze the returned content
- Return a brief summary (2-3 sentences) of key findings
- No JSON, no code blocks, just prose`

const defaultSynthesisPreamble = `Findings below are organized by research ` +
	`step in plan order. All sources are listed once at the end of the report.`

// Defaults returns the compiled-in prompt set.
func Defaults() Set {
	return Set{
		Planner:           defaultPlanner,
		Researcher:        defaultResearcher,
		SynthesisPreamble: defaultSynthesisPreamble,
	}
}

// Load returns the defaults overlaid with any non-empty fields from the YAML
// file at path. An empty path means defaults only.
func Load(path string) (Set, error) {
	set := Defaults()
	if path == "" {
		return set, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return set, fmt.Errorf("open prompts %s: %w", path, err)
	}
	defer f.Close()
	override, err := decode(f)
	if err != nil {
		return set, fmt.Errorf("decode prompts %s: %w", path, err)
	}
	if override.Planner != "" {
		set.Planner = override.Planner
	}
	if override.Researcher != "" {
		set.Researcher = override.Researcher
	}
	if override.SynthesisPreamble != "" {
		set.SynthesisPreamble = override.SynthesisPreamble
	}
	return set, nil
}

func decode(r io.Reader) (Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Set
	if err := dec.Decode(&s); err != nil {
		return Set{}, err
	}
	return s, nil
}
