package agent

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// KeywordClassifier recognises confirmation pages by URL keywords and by phrases in the
// page title and headings.
type KeywordClassifier struct {
	urlKeywords [][]string
	phrases     []string
}

// NewKeywordClassifier builds a classifier. URL keywords match whole path/query tokens
// ("thank-you" matches ".../thank-you.html" but "sent" does not match "consent").
// Phrases match case-insensitively as substrings of title, h1, h2 and h3 text.
func NewKeywordClassifier(urlKeywords, phrases []string) *KeywordClassifier {
	c := &KeywordClassifier{}
	for _, kw := range urlKeywords {
		if tokens := tokenize(kw); len(tokens) > 0 {
			c.urlKeywords = append(c.urlKeywords, tokens)
		}
	}
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.phrases = append(c.phrases, p)
		}
	}
	return c
}

// IsSuccessPage reports whether pageURL or html looks like a post-submission confirmation
func (c *KeywordClassifier) IsSuccessPage(pageURL string, html string) bool {
	return c.MatchURL(pageURL) || c.MatchContent(html)
}

// MatchURL checks the path and query of pageURL; the host is ignored
func (c *KeywordClassifier) MatchURL(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	tokens := tokenize(u.Path + " " + u.RawQuery)
	for _, kw := range c.urlKeywords {
		if containsSequence(tokens, kw) {
			return true
		}
	}
	return false
}

// MatchContent checks title and heading text of an HTML document
func (c *KeywordClassifier) MatchContent(html string) bool {
	if html == "" || len(c.phrases) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}

	var text strings.Builder
	doc.Find("title, h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		text.WriteString(strings.ToLower(s.Text()))
		text.WriteByte('\n')
	})
	haystack := text.String()

	for _, phrase := range c.phrases {
		if strings.Contains(haystack, phrase) {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	decoded, err := url.PathUnescape(s)
	if err == nil {
		s = decoded
	}
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsSequence(tokens, seq []string) bool {
	if len(seq) == 0 || len(seq) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(tokens); i++ {
		for j := range seq {
			if tokens[i+j] != seq[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
