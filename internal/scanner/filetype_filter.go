package scanner

import "strings"

// FileTypeFilter implements the CLI-facing file_types / exclude_file_types
// option (spec 6.2). Extensions may be given dotted or undotted
// ("rs" == ".rs"); excludes take precedence over includes, and an empty
// include list means include-all.
type FileTypeFilter struct {
	include []string
	exclude []string
}

// NewFileTypeFilter normalizes fileTypes/excludeFileTypes into a filter.
func NewFileTypeFilter(fileTypes, excludeFileTypes []string) FileTypeFilter {
	return FileTypeFilter{
		include: normalizeExtensions(fileTypes),
		exclude: normalizeExtensions(excludeFileTypes),
	}
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(e, "."))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Allows reports whether path passes the filter.
func (f FileTypeFilter) Allows(path string) bool {
	for _, x := range f.exclude {
		if matchesExtension(path, x) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, x := range f.include {
		if matchesExtension(path, x) {
			return true
		}
	}
	return false
}

// matchesExtension implements the whole-component match rule for filter x
// against path: the filename equals x, ends with ".x", or begins with x
// followed by one of '.', '-', '_'.
func matchesExtension(path, x string) bool {
	name := strings.ToLower(baseName(path))
	if name == x {
		return true
	}
	if strings.HasSuffix(name, "."+x) {
		return true
	}
	if strings.HasPrefix(name, x) {
		rest := name[len(x):]
		if len(rest) > 0 && (rest[0] == '.' || rest[0] == '-' || rest[0] == '_') {
			return true
		}
	}
	return false
}
