package ingestion

import (
	"net/url"
	"path"
	"strings"
)

// InferredMetadata holds the source kind and display label inferred from a
// source location. Explicit CLI flags take precedence over inferred values;
// this is the best-effort fallback when the operator doesn't specify
// metadata.
type InferredMetadata struct {
	// Kind classifies the source (document, wiki, faq, repo, webpage).
	Kind string
	// Label is the human-readable source name stored with each chunk.
	Label string
}

// wikiHosts contains hostname fragments that identify wiki-style knowledge
// sources.
var wikiHosts = []string{
	"atlassian.net",
	"confluence",
	"notion.so",
	"notion.site",
	"wiki",
}

// InferMetadata inspects a source location (file path or URL) and returns
// best-effort metadata. Unrecognized locations default to kind "document"
// with the base name as label.
func InferMetadata(location string) InferredMetadata {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return inferURL(location)
	}
	return inferFile(location)
}

// inferFile classifies a local file path by extension.
func inferFile(p string) InferredMetadata {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	m := InferredMetadata{Kind: "document", Label: base}

	switch strings.ToLower(path.Ext(base)) {
	case ".md", ".markdown":
		m.Kind = "document"
	case ".txt", ".rst":
		m.Kind = "document"
	case ".csv", ".tsv":
		m.Kind = "dataset"
	default:
		if strings.Contains(strings.ToLower(base), "faq") {
			m.Kind = "faq"
		}
	}
	return m
}

// inferURL classifies an HTTP(S) source by hostname and path.
func inferURL(rawURL string) InferredMetadata {
	m := InferredMetadata{Kind: "webpage", Label: rawURL}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return m
	}

	host := strings.ToLower(parsed.Hostname())
	lowerPath := strings.ToLower(parsed.Path)
	m.Label = host + parsed.Path

	switch {
	case host == "github.com" || host == "gitlab.com" || strings.HasPrefix(host, "git."):
		m.Kind = "repo"

	case hostMatchesAny(host, wikiHosts):
		m.Kind = "wiki"

	case strings.Contains(lowerPath, "faq"):
		m.Kind = "faq"

	case strings.HasSuffix(lowerPath, ".md") || strings.HasSuffix(lowerPath, ".txt"):
		m.Kind = "document"
	}

	return m
}

// hostMatchesAny reports whether host contains any of the given fragments.
func hostMatchesAny(host string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(host, f) {
			return true
		}
	}
	return false
}
