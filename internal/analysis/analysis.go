// Package analysis provides pure document heuristics: a quality score
// used for admission ordering and a coarse type classification. Neither
// function touches I/O; both are deterministic over their input text.
package analysis

import (
	"strings"
	"unicode"
)

// Type tags for classified documents.
const (
	TypeAcademic  = "academic"
	TypeBusiness  = "business"
	TypeTechnical = "technical"
	TypeLegal     = "legal"
	TypeCreative  = "creative"
	TypeGeneral   = "general"
)

// Score rates extracted text quality in [0,1]. Low scores usually mean
// a scanned PDF with broken extraction: garbage glyphs, no sentence
// structure, or almost no content.
func Score(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	words := strings.Fields(trimmed)
	wordCount := len(words)

	// Content volume: ramps up to full credit at 200 words.
	volume := float64(wordCount) / 200
	if volume > 1 {
		volume = 1
	}

	// Alphabetic ratio: extraction garbage is heavy on symbols.
	var letters, total int
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	alpha := 0.0
	if total > 0 {
		alpha = float64(letters) / float64(total)
	}

	// Word shape: real prose has mean word length roughly 3-12 runes.
	var runeSum int
	for _, w := range words {
		runeSum += len([]rune(w))
	}
	shape := 0.0
	if wordCount > 0 {
		mean := float64(runeSum) / float64(wordCount)
		switch {
		case mean >= 3 && mean <= 12:
			shape = 1
		case mean > 1 && mean < 20:
			shape = 0.5
		}
	}

	// Sentence structure: some terminal punctuation should be present.
	structure := 0.0
	if strings.ContainsAny(trimmed, ".!?") {
		structure = 1
	}

	score := 0.3*volume + 0.3*alpha + 0.2*shape + 0.2*structure
	if score > 1 {
		score = 1
	}
	return score
}

// typeKeywords drives classification. Each hit counts once per
// occurrence; the tag with the highest density wins.
var typeKeywords = map[string][]string{
	TypeAcademic: {
		"abstract", "hypothesis", "methodology", "literature review", "et al",
		"findings", "citation", "peer-reviewed", "experiment", "doi",
	},
	TypeBusiness: {
		"revenue", "stakeholder", "quarterly", "market share", "roi",
		"forecast", "kpi", "strategy", "profit", "invoice",
	},
	TypeTechnical: {
		"algorithm", "implementation", "api", "architecture", "protocol",
		"configuration", "latency", "deployment", "runtime", "specification",
	},
	TypeLegal: {
		"hereinafter", "whereas", "pursuant", "plaintiff", "defendant",
		"jurisdiction", "liability", "covenant", "indemnify", "clause",
	},
	TypeCreative: {
		"chapter", "protagonist", "she whispered", "he said", "narrative",
		"poem", "stanza", "scene", "dialogue", "once upon",
	},
}

// Classify assigns a coarse type tag based on keyword density, falling
// back to general when nothing stands out.
func Classify(text string) string {
	lower := strings.ToLower(text)
	best, bestHits := TypeGeneral, 0
	for tag, keywords := range typeKeywords {
		hits := 0
		for _, kw := range keywords {
			hits += strings.Count(lower, kw)
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && tag < best) {
			best, bestHits = tag, hits
		}
	}
	if bestHits < 2 {
		return TypeGeneral
	}
	return best
}
