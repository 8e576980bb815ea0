// Package docbackend declares the contract a document-parsing backend must
// satisfy to feed the search-index frontend. It is consumed by the indexer's
// file-reading path, not by the search or layout cores themselves.
package docbackend

import "time"

// Backend converts raw bytes or a file on disk into a Document.
type Backend interface {
	// ParseBytes parses an in-memory document. name is used for format
	// sniffing and error messages only.
	ParseBytes(data []byte, name string) (*Document, error)

	// ParseFile parses a document directly from disk.
	ParseFile(path string) (*Document, error)
}

// Document is a backend's normalized view of a parsed file.
type Document struct {
	Markdown        string
	Format          string
	Metadata        Metadata
	ContentBlocks   []DocItem
	DoclingDocument any
}

// Metadata carries whatever provenance the source format exposes.
type Metadata struct {
	NumPages     *int
	NumChars     int
	Title        *string
	Author       *string
	Created      *time.Time
	Modified     *time.Time
	Language     *string
	Subject      *string
	EXIF         map[string]string
}

// DocItemKind discriminates the DocItem sum type.
type DocItemKind string

const (
	DocItemText          DocItemKind = "Text"
	DocItemSectionHeader DocItemKind = "SectionHeader"
)

// DocItem is one block of a backend's structured content tree. SelfRef has
// the form "#/texts/{i}" with i the zero-based ordinal among items of the
// same kind.
type DocItem struct {
	Kind        DocItemKind
	SelfRef     string
	Text        string
	Formatting  *Formatting
	Prov        []Provenance
	Parent      *string
	Children    []string
	ContentLayer string

	// Level is populated only when Kind == DocItemSectionHeader.
	Level int
}

// Formatting carries inline style flags for a text block.
type Formatting struct {
	Bold   bool
	Italic bool
}

// Provenance locates a DocItem on its source page.
type Provenance struct {
	PageNo int
	BBoxL  float64
	BBoxT  float64
	BBoxR  float64
	BBoxB  float64
}
