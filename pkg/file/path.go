package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of path for ext. Callers hand in bare
// format names ("txt", "srt"), so a missing leading dot is added. A path
// without an extension gets ext appended.
func ReplaceExt(path, ext string) string {
	if path == "" || ext == "" {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + strings.TrimPrefix(ext, ".")
}
