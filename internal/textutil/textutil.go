// Package textutil holds small text helpers for human-facing names.
package textutil

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.Dutch)

// DisplayName derives a presentable title from a source file name: the
// extension is dropped, separators become spaces, and words are title-cased.
func DisplayName(fileName string) string {
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	base = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	if base == "" {
		return fileName
	}
	return titleCaser.String(base)
}
