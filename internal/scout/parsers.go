package scout

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"io"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const maxFindingsPerScan = 20

// parse dispatches raw source bytes by parser type. Unknown parser types
// degrade to the html path.
func parse(parserType, source string, raw []byte, at time.Time) []Finding {
	switch parserType {
	case "rss":
		return parseRSS(source, raw, at)
	case "api":
		return parseAPI(source, raw, at)
	default:
		return parseHTML(source, raw, at)
	}
}

// rssFeed covers both RSS 2.0 and Atom envelopes.
type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Title string `xml:"title"`
	Link  string `xml:"link"`
}

type atomEntry struct {
	Title string `xml:"title"`
	Link  struct {
		Href string `xml:"href,attr"`
	} `xml:"link"`
}

func parseRSS(source string, raw []byte, at time.Time) []Finding {
	var feed rssFeed
	if err := xml.Unmarshal(raw, &feed); err != nil {
		return nil
	}

	var findings []Finding
	for _, item := range feed.Channel.Items {
		if title := strings.TrimSpace(item.Title); title != "" {
			findings = append(findings, Finding{
				Source: source, Title: title, Type: "article",
				Relevance: relevanceFor(title), URL: item.Link, ScannedAt: at,
			})
		}
	}
	for _, entry := range feed.Entries {
		if title := strings.TrimSpace(entry.Title); title != "" {
			findings = append(findings, Finding{
				Source: source, Title: title, Type: "article",
				Relevance: relevanceFor(title), URL: entry.Link.Href, ScannedAt: at,
			})
		}
	}
	return capFindings(findings)
}

// parseAPI accepts either a bare JSON array of items or an object with an
// "items" key; each item contributes title/url fields when present.
func parseAPI(source string, raw []byte, at time.Time) []Finding {
	var items []map[string]interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		var envelope struct {
			Items []map[string]interface{} `json:"items"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil
		}
		items = envelope.Items
	}

	var findings []Finding
	for _, item := range items {
		title, _ := item["title"].(string)
		if strings.TrimSpace(title) == "" {
			if name, ok := item["name"].(string); ok {
				title = name
			}
		}
		if strings.TrimSpace(title) == "" {
			continue
		}
		url, _ := item["url"].(string)
		findings = append(findings, Finding{
			Source: source, Title: strings.TrimSpace(title), Type: "api_item",
			Relevance: relevanceFor(title), URL: url, ScannedAt: at,
		})
	}
	return capFindings(findings)
}

// parseHTML extracts h1–h3 heading text of at least 15 characters, using the
// first link inside a heading as its URL. Anchors outside headings are not
// extracted.
func parseHTML(source string, raw []byte, at time.Time) []Finding {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var findings []Finding
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(findings) >= maxFindingsPerScan {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "h1", "h2", "h3":
				title := strings.TrimSpace(nodeText(n))
				if len(title) >= 15 && !seen[title] {
					seen[title] = true
					findings = append(findings, Finding{
						Source: source, Title: title, Type: "headline",
						Relevance: relevanceFor(title), URL: firstHref(n), ScannedAt: at,
					})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return findings
}

// relevanceKeywords bias scoring toward NEXUS's interest areas.
var relevanceKeywords = []string{
	"ai", "llm", "agent", "performance", "optimi", "reliab", "automat",
	"learning", "tool", "release", "benchmark", "security",
}

func relevanceFor(title string) float64 {
	lower := strings.ToLower(title)
	score := 0.3
	for _, kw := range relevanceKeywords {
		if strings.Contains(lower, kw) {
			score += 0.15
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func capFindings(findings []Finding) []Finding {
	if len(findings) > maxFindingsPerScan {
		return findings[:maxFindingsPerScan]
	}
	return findings
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func firstHref(n *html.Node) string {
	var href string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if href != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					href = attr.Val
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return href
}

func readBounded(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}
