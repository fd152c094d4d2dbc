package linkcrawl

import (
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/teranos/forage/errors"
)

// PageInfo is what one HTML document yields.
type PageInfo struct {
	Title       string
	Description string
	Links       []string // absolute same-host links, first-seen order, fragments dropped
	Emails      []string
	Phones      []string
}

// ExtractPage parses an HTML document fetched from base.
func ExtractPage(base *url.URL, body io.Reader, maxLinks int) (*PageInfo, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse HTML")
	}

	info := &PageInfo{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		property, _ := s.Attr("property")
		content, _ := s.Attr("content")
		if content == "" {
			return true
		}
		if strings.EqualFold(name, "description") || strings.EqualFold(property, "og:description") {
			info.Description = strings.TrimSpace(content)
			return false
		}
		return true
	})

	if b, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := base.Parse(b); err == nil {
			base = ref
		}
	}

	seenLink := make(map[string]struct{})
	seenEmail := make(map[string]struct{})
	seenPhone := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		lower := strings.ToLower(href)

		switch {
		case strings.HasPrefix(lower, "mailto:"):
			addr := strings.ToLower(strings.SplitN(href[len("mailto:"):], "?", 2)[0])
			if addr != "" && strings.Contains(addr, "@") {
				appendOnce(&info.Emails, seenEmail, addr)
			}
			return
		case strings.HasPrefix(lower, "tel:"):
			if num := normalizePhone(href[len("tel:"):]); num != "" {
				appendOnce(&info.Phones, seenPhone, num)
			}
			return
		}

		if maxLinks > 0 && len(info.Links) >= maxLinks {
			return
		}
		ref, err := base.Parse(href)
		if err != nil {
			return
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return
		}
		if !strings.EqualFold(ref.Hostname(), base.Hostname()) {
			return
		}
		ref.Fragment = ""
		ref.RawFragment = ""
		if ref.Path == "" {
			ref.Path = "/"
		}
		appendOnce(&info.Links, seenLink, ref.String())
	})

	return info, nil
}

func appendOnce(list *[]string, seen map[string]struct{}, v string) {
	if _, ok := seen[v]; ok {
		return
	}
	seen[v] = struct{}{}
	*list = append(*list, v)
}

// normalizePhone keeps a leading + and digits.
func normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() < 5 {
		return ""
	}
	return b.String()
}
