package classify

import (
	"strings"

	"github.com/c360studio/cascade/registry"
)

// Keyword groups for the deterministic fallback. Matching is
// case-insensitive over the function id (with separators flattened) and
// description.
var (
	humanKeywords = []string{
		"approve", "approval", "review", "sign-off", "signoff", "escalate",
		"manual", "human", "moderate", "moderation",
	}
	agenticKeywords = []string{
		"research", "investigate", "plan", "multi-step", "multistep",
		"orchestrate", "workflow", "browse", "agent",
	}
	generativeKeywords = []string{
		"write", "summarize", "summarise", "translate", "generate",
		"compose", "draft", "describe", "explain", "rewrite", "chat",
	}
	codeKeywords = []string{
		"parse", "validate", "transform", "calculate", "compute", "convert",
		"format", "hash", "encode", "decode", "sort", "filter", "lookup",
	}
)

// Heuristic classifies by keyword and shape inspection alone. It is
// deterministic and needs no backend, so it doubles as the availability
// fallback.
func Heuristic(meta *registry.Metadata) Decision {
	text := strings.ToLower(flattenID(meta.ID) + " " + meta.Name + " " + descriptionOf(meta))

	type match struct {
		ftype    registry.FunctionType
		keywords []string
	}
	// Order encodes precedence: a human signal outweighs an agentic one,
	// and so on down to code.
	for _, m := range []match{
		{registry.TypeHuman, humanKeywords},
		{registry.TypeAgentic, agenticKeywords},
		{registry.TypeGenerative, generativeKeywords},
		{registry.TypeCode, codeKeywords},
	} {
		for _, kw := range m.keywords {
			if strings.Contains(text, kw) {
				return Decision{
					Type:       m.ftype,
					Confidence: 0.7,
					Reasoning:  "keyword match: " + kw,
				}
			}
		}
	}

	// Prompts without keyword evidence still point at a model tier.
	if meta.SystemPrompt != "" || meta.UserPrompt != "" {
		return Decision{
			Type:       registry.TypeGenerative,
			Confidence: 0.6,
			Reasoning:  "prompt fields present without stronger signals",
		}
	}
	if meta.Goal != "" {
		return Decision{
			Type:       registry.TypeAgentic,
			Confidence: 0.6,
			Reasoning:  "goal field present without stronger signals",
		}
	}

	return Decision{
		Type:       registry.TypeCode,
		Confidence: 0.5,
		Reasoning:  "no signals; defaulting to code",
	}
}

// flattenID turns id separators into spaces so keywords match across
// hyphenated names.
func flattenID(id string) string {
	return strings.NewReplacer("-", " ", "_", " ").Replace(id)
}

// descriptionOf picks the classification text in priority order:
// userPrompt, goal, systemPrompt, then description.
func descriptionOf(meta *registry.Metadata) string {
	switch {
	case meta.UserPrompt != "":
		return meta.UserPrompt
	case meta.Goal != "":
		return meta.Goal
	case meta.SystemPrompt != "":
		return meta.SystemPrompt
	default:
		return meta.Description
	}
}
