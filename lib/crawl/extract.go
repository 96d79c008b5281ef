package crawl

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"stealthcrawl/lib/htmlutil"
)

// Extract pulls the product fields out of a fetched page. Selectors stay
// deliberately loose since listing markup varies between storefronts.
func Extract(doc *goquery.Document, pageURL string) Result {
	title := cleanText(doc.Find("h1").First().Text())
	if title == "" {
		title = htmlutil.Title(doc)
	}

	return Result{
		URL:         pageURL,
		Title:       title,
		Price:       formatPrice(htmlutil.FindByClassFragment(doc, "*", "price").Text()),
		Description: cleanText(htmlutil.FindByClassFragment(doc, "div", "description").Text()),
		Images:      extractImages(doc, pageURL),
	}
}

func extractImages(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	var images []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
			images = append(images, src)
			return
		}
		if base == nil {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		images = append(images, base.ResolveReference(ref).String())
	})
	return images
}

// cleanText collapses all runs of whitespace to single spaces.
func cleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// formatPrice normalizes a scraped price to two decimals, handling both
// 1,234.56 and 1.234,56 conventions. Text it cannot parse comes back
// trimmed but otherwise untouched.
func formatPrice(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	for _, r := range trimmed {
		if unicode.IsDigit(r) || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	numeric := b.String()

	hasComma := strings.Contains(numeric, ",")
	hasDot := strings.Contains(numeric, ".")
	switch {
	case hasComma && hasDot:
		if strings.Index(numeric, ",") < strings.Index(numeric, ".") {
			numeric = strings.ReplaceAll(numeric, ",", "")
		} else {
			numeric = strings.ReplaceAll(numeric, ".", "")
			numeric = strings.ReplaceAll(numeric, ",", ".")
		}
	case hasComma:
		parts := strings.Split(numeric, ",")
		if len(parts) > 1 && len(parts[len(parts)-1]) == 2 {
			numeric = strings.ReplaceAll(numeric, ",", ".")
		}
	}

	value, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return trimmed
	}
	return fmt.Sprintf("%.2f", value)
}
