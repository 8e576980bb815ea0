package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// markdownLinkPattern matches [text](target), wikiLinkPattern matches [[target]] and [[target|text]].
var (
	markdownLinkPattern = regexp.MustCompile(`\[([^\]\[]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	wikiLinkPattern     = regexp.MustCompile(`\[\[([^\]|]+)(?:\|([^\]]+))?\]\]`)
)

// extractLinks pulls markdown and wiki-style links out of raw chunk text.
// is_internal is true for relative paths and wiki references; external (http(s)://, mailto:) otherwise.
func extractLinks(content string) []Link {
	var links []Link

	for _, m := range markdownLinkPattern.FindAllStringSubmatch(content, -1) {
		text, target := m[1], m[2]
		links = append(links, Link{
			Text:       text,
			Target:     target,
			IsInternal: isInternalTarget(target),
		})
	}

	for _, m := range wikiLinkPattern.FindAllStringSubmatch(content, -1) {
		target := m[1]
		text := m[2]
		if text == "" {
			text = target
		}
		links = append(links, Link{
			Text:       text,
			Target:     target,
			IsInternal: true,
		})
	}

	return links
}

func isInternalTarget(target string) bool {
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "ftp://") {
		return false
	}
	return true
}

// contentHash returns the stable digest used for incremental reindex decisions
// and cross-file embedding dedup. It must be computed over the chunk's raw text
// only, not the surrounding header-context, so that moving a chunk under a
// different heading does not force a re-embed.
func contentHash(rawText string) string {
	sum := sha256.Sum256([]byte(rawText))
	return hex.EncodeToString(sum[:])
}

// finalizeChunks assigns Ordinal, ContentHash and Links to a freshly produced
// chunk list, in document order. HeaderPath is left to the caller (chunkers
// already know their own breadcrumb convention) unless empty, in which case
// it falls back to the "header_path" metadata key set by the markdown chunker.
func finalizeChunks(chunks []*Chunk) []*Chunk {
	for i, ch := range chunks {
		ch.Ordinal = i
		if ch.HeaderPath == "" {
			if hp, ok := ch.Metadata["header_path"]; ok {
				ch.HeaderPath = hp
			}
		}
		hashSource := ch.RawContent
		if hashSource == "" {
			hashSource = ch.Content
		}
		ch.ContentHash = contentHash(hashSource)
		ch.Links = extractLinks(ch.Content)
	}
	return chunks
}
