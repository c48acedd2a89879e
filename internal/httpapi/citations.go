package httpapi

import (
	"net/url"
	"strings"

	"gptclone/backend/internal/gemini"
)

// extractCitations builds the citation list for a finished turn. Grounding
// metadata is the primary source: supports point at the chunks the answer
// actually leaned on. Response-level citation sources are only consulted when
// no grounding data arrived at all; the two are never merged.
func extractCitations(steps []gemini.Step) []citationResponse {
	citations := groundedCitations(steps)
	if len(citations) > 0 {
		return citations
	}
	return fallbackCitations(steps)
}

func groundedCitations(steps []gemini.Step) []citationResponse {
	var out []citationResponse
	seen := make(map[string]struct{})

	for _, step := range steps {
		if step.Grounding == nil {
			continue
		}
		chunks := step.Grounding.GroundingChunks
		for _, support := range step.Grounding.GroundingSupports {
			// Each support cites its first referenced chunk.
			if len(support.GroundingChunkIndices) == 0 {
				continue
			}
			idx := support.GroundingChunkIndices[0]
			if idx < 0 || idx >= len(chunks) {
				continue
			}
			web := chunks[idx].Web
			if web == nil {
				continue
			}
			uri := strings.TrimSpace(web.URI)
			if uri == "" {
				continue
			}
			if _, ok := seen[uri]; ok {
				continue
			}
			seen[uri] = struct{}{}
			out = append(out, citationResponse{
				URL:   uri,
				Title: fallbackString(web.Title, hostnameOf(uri)),
			})
		}
	}

	return out
}

func fallbackCitations(steps []gemini.Step) []citationResponse {
	var out []citationResponse
	seen := make(map[string]struct{})

	for _, step := range steps {
		if step.Citations == nil {
			continue
		}
		for _, source := range step.Citations.CitationSources {
			uri := strings.TrimSpace(source.URI)
			if uri == "" {
				continue
			}
			if _, ok := seen[uri]; ok {
				continue
			}
			seen[uri] = struct{}{}
			out = append(out, citationResponse{URL: uri, Title: hostnameOf(uri)})
		}
	}

	return out
}

func hostnameOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return rawURL
	}
	return parsed.Hostname()
}
