// Package htmlutil holds small goquery helpers shared by the
// extraction code.
package htmlutil

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Title returns the trimmed contents of the document's <title> element,
// empty if the page has none.
func Title(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// FindByClassFragment returns the first element whose class attribute
// contains the fragment, compared case-insensitively.
func FindByClassFragment(doc *goquery.Document, element, fragment string) *goquery.Selection {
	fragment = strings.ToLower(fragment)
	return doc.Find(element + "[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		return strings.Contains(strings.ToLower(class), fragment)
	}).First()
}
