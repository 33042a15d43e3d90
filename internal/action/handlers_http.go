package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// maxBodyBytes bounds fetched response bodies held in memory.
const maxBodyBytes = 1 << 20

func handleHTTPGet(ctx context.Context, e *Executor, p Params) (*Output, error) {
	rawURL := p.Str("url")
	if rawURL == "" {
		return nil, errors.New("http_get: 'url' must be non-empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, handlerError("http_get", err)
	}
	return doRequest(req, "http_get")
}

func handleHTTPPost(ctx context.Context, e *Executor, p Params) (*Output, error) {
	rawURL := p.Str("url")
	if rawURL == "" {
		return nil, errors.New("http_post: 'url' must be non-empty")
	}

	var body io.Reader
	contentType := "application/json"
	if payload, ok := p["json"]; ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, handlerError("http_post", err)
		}
		body = bytes.NewReader(raw)
	} else if data := p.Str("body"); data != "" {
		body = strings.NewReader(data)
		if ct := p.Str("content_type"); ct != "" {
			contentType = ct
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return nil, handlerError("http_post", err)
	}
	req.Header.Set("Content-Type", contentType)
	return doRequest(req, "http_post")
}

func doRequest(req *http.Request, op string) (*Output, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, handlerError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, handlerError(op, err)
	}

	data := map[string]interface{}{
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"size":         len(raw),
	}
	if resp.StatusCode >= 400 {
		return &Output{Text: string(raw), Data: data}, fmt.Errorf("%s: status %d", op, resp.StatusCode)
	}
	return &Output{Text: string(raw), Data: data}, nil
}

// handleWebSearch queries DuckDuckGo's HTML endpoint and extracts result
// links, so NEXUS can search without an API key.
func handleWebSearch(ctx context.Context, e *Executor, p Params) (*Output, error) {
	query := p.Str("query")
	if query == "" {
		return nil, errors.New("web_search: 'query' must be non-empty")
	}

	searchURL := "https://duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, handlerError("web_search", err)
	}
	req.Header.Set("User-Agent", "nexus-agent/0.1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, handlerError("web_search", err)
	}
	defer resp.Body.Close()

	results := extractSearchResults(io.LimitReader(resp.Body, maxBodyBytes), 10)
	var lines []string
	for _, r := range results {
		lines = append(lines, r["title"]+" — "+r["url"])
	}
	return &Output{
		Text: strings.Join(lines, "\n"),
		Data: map[string]interface{}{"results": results, "count": len(results)},
	}, nil
}

// extractSearchResults pulls anchors with the result class out of the
// DuckDuckGo HTML page.
func extractSearchResults(r io.Reader, limit int) []map[string]string {
	doc, err := html.Parse(r)
	if err != nil {
		return nil
	}

	var results []map[string]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			var href, class string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "href":
					href = attr.Val
				case "class":
					class = attr.Val
				}
			}
			if strings.Contains(class, "result__a") && href != "" {
				results = append(results, map[string]string{
					"title": textContent(n),
					"url":   href,
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

func textContent(n *html.Node) string {
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
	return strings.TrimSpace(sb.String())
}
