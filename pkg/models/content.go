package models

// Stage output payloads. Each stage owns its own schema; results are stored
// as JSON on the StageResult and decoded by downstream stages.

// DiscoveryOutput captures the program's framing chosen by the discovery
// stage from the user's preferences.
type DiscoveryOutput struct {
	Title    string `json:"title"`
	Theme    string `json:"theme"`
	Audience string `json:"audience"`
	Tone     string `json:"tone"`
}

// ResearchOutput holds the run's insight pool: an ordered collection of
// short research insights, immutable once produced.
type ResearchOutput struct {
	Insights []string `json:"insights"`
}

// ContentUnit is one day/entry of the generated program.
type ContentUnit struct {
	Index    int          `json:"index"` // 1-based
	Phase    PhaseTag     `json:"phase"`
	Insights InsightRange `json:"insights"`
	Title    string       `json:"title"`
	Body     string       `json:"body"`
}

// CurationOutput is the curated program body: exactly one ContentUnit per
// entry of the requested variant.
type CurationOutput struct {
	Units []ContentUnit `json:"units"`
}

// EditingOutput carries the polished units. Unit count and ordering must
// match the curation output.
type EditingOutput struct {
	Units []ContentUnit `json:"units"`
}

// MediaRef points at an illustration or other media asset for one unit.
type MediaRef struct {
	UnitIndex int    `json:"unit_index"`
	Kind      string `json:"kind"`
	Prompt    string `json:"prompt"`
	URL       string `json:"url,omitempty"`
}

// MediaOutput holds one media reference per content unit.
type MediaOutput struct {
	Refs []MediaRef `json:"refs"`
}

// CompilationOutput is the structured handoff given to the external
// document compiler once the run completes.
type CompilationOutput struct {
	Title    string        `json:"title"`
	Theme    string        `json:"theme"`
	Audience string        `json:"audience"`
	Tone     string        `json:"tone"`
	Units    []ContentUnit `json:"units"`
	Media    []MediaRef    `json:"media"`
}
