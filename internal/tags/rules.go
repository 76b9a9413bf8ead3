package tags

import (
	"regexp"
	"strings"
)

// Rule maps free text onto a whitelisted tag when its pattern matches.
type Rule struct {
	Pattern *regexp.Regexp
	Tag     string
}

// experienceRules derive experience tags from short-term summary text during
// promotion. Static table; order matters only for readability.
var experienceRules = []Rule{
	{regexp.MustCompile(`(?i)vision|insight|camera|scene`), "awareness"},
	{regexp.MustCompile(`(?i)near[-_\s]?collision|almost\s+hit|close\s+call`), "near_collision"},
	{regexp.MustCompile(`(?i)scene[-_\s]?change|lighting\s+changed|rearrang`), "scene_change"},
	{regexp.MustCompile(`(?i)\broi\b|region\s+of\s+interest|dwell`), "roi"},
	{regexp.MustCompile(`(?i)motion|movement|moving`), "motion"},
	{regexp.MustCompile(`(?i)object|item|package|abandoned`), "object"},
	{regexp.MustCompile(`(?i)safe|danger|hazard|warning|alert`), "safety"},
	{regexp.MustCompile(`(?i)chat|asked|said|told|conversation`), "chat"},
	{regexp.MustCompile(`(?i)surpris|unexpected|unusual`), "surprise"},
	{regexp.MustCompile(`(?i)plan|schedule|tomorrow|later\s+today`), "planning"},
	{regexp.MustCompile(`(?i)decid|chose|choice|settled\s+on`), "decision"},
	{regexp.MustCompile(`(?i)remind|follow[-_\s]?up|check\s+back`), "follow_up"},
}

// personalityRules is the smaller rule set used for long_term_personality.
var personalityRules = []Rule{
	{regexp.MustCompile(`(?i)prefer|rather|favorite|likes?\b|dislikes?\b`), "preference"},
	{regexp.MustCompile(`(?i)tone|mood|voice|style`), "tone"},
	{regexp.MustCompile(`(?i)always|never|rule|policy`), "rule"},
	{regexp.MustCompile(`(?i)decid|chose|choice`), "decision"},
}

// DeriveExperienceTags applies the experience rules and whitelist-filters the
// result, falling back to awareness.
func DeriveExperienceTags(w *Whitelist, text string) []string {
	return w.Sanitize(applyRules(experienceRules, text), "awareness")
}

// DerivePersonalityTags applies the personality rules. The fallback is
// preference when allowed; an empty result otherwise means the row carries no
// personality signal.
func DerivePersonalityTags(w *Whitelist, text string) []string {
	matched := w.SanitizeKeepEmpty(applyRules(personalityRules, text))
	if len(matched) == 0 && w.Contains("preference") {
		return []string{"preference"}
	}
	return matched
}

func applyRules(rules []Rule, text string) []string {
	var out []string
	for _, r := range rules {
		if r.Pattern.MatchString(text) {
			out = append(out, r.Tag)
		}
	}
	return out
}

// QueryTags derives whitelist-constrained tags from a user query for
// short-term selection. Tokenizes on non-word boundaries and also runs the
// experience rules so multi-word signals still land.
func QueryTags(w *Whitelist, query string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(tag string) {
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	for _, tok := range regexp.MustCompile(`[^a-z0-9_]+`).Split(strings.ToLower(query), -1) {
		if tok != "" && w.Contains(tok) {
			add(tok)
		}
	}
	for _, tag := range w.SanitizeKeepEmpty(applyRules(experienceRules, query)) {
		add(tag)
	}
	return out
}
