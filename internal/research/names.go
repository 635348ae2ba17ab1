package research

import "hash/fnv"

// researcherNames is the pool of survey-vessel-inspired researcher names.
// The list is fixed so the same run and step always map to the same name.
var researcherNames = []string{
	"Beagle", "Endeavour", "Discovery", "Resolution", "Challenger",
	"Terra Nova", "Endurance", "Fram", "Nimrod", "Quest",
	"Adventure", "Investigator", "Erebus", "Terror", "Pelican",
	"Astrolabe", "Meridian", "Sextant", "Polaris", "Vega",
	"Calypso", "Trieste", "Alvin", "Nautilus", "Atlantis",
	"Knorr", "Melville", "Healy", "Sikuliaq", "Falkor",
}

// ResearcherName returns a deterministic researcher name for a run and step.
// The same inputs always produce the same name, so restarted or replayed
// steps keep their identity.
func ResearcherName(runID string, step int) string {
	if len(researcherNames) == 0 {
		return ""
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	idx := (int(h.Sum32()) + step) % len(researcherNames)
	if idx < 0 {
		idx += len(researcherNames)
	}
	return researcherNames[idx]
}
