// Package ingest turns files into vetting documents and watches an inbox
// directory for new ones.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"alphagate/internal/logging"
	"alphagate/internal/vetting"
)

// DefaultSource is used when a document does not name its source.
const DefaultSource = "inbox"

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]+`)
)

// Supported reports whether LoadDocument understands the file's extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm", ".json", ".txt", ".md", "":
		return true
	}
	return false
}

// LoadDocument reads a news document from path.
//
//   - .html/.htm: visible text, title from <title> or the first <h1>, source
//     and publish time from og:site_name and article:published_time metas.
//   - .json: a vetting.Document.
//   - anything else: plain text. An optional header block of "Key: value"
//     lines (source, tickers, price, published, url) ends at the first blank
//     line; the next non-empty line is the title.
//
// Missing IDs default to the file name, missing sources to DefaultSource and
// missing publish times to the file's modification time.
func LoadDocument(path string) (vetting.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return vetting.Document{}, err
	}

	var doc vetting.Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		doc, err = parseHTML(string(data))
	case ".json":
		err = json.Unmarshal(data, &doc)
	default:
		doc, err = parseText(string(data))
	}
	if err != nil {
		return vetting.Document{}, fmt.Errorf("load %s: %w", path, err)
	}

	if doc.ID == "" {
		doc.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if doc.Source == "" {
		doc.Source = DefaultSource
	}
	if doc.PublishedAt.IsZero() {
		if info, err := os.Stat(path); err == nil {
			doc.PublishedAt = info.ModTime().UTC()
		}
	}
	if err := doc.Validate(); err != nil {
		return vetting.Document{}, fmt.Errorf("load %s: %w", path, err)
	}

	logging.IngestDebug("loaded %s: %q (%d chars, tickers=%v)", path, doc.Title, len(doc.Body), doc.Tickers)
	return doc, nil
}

func parseText(content string) (vetting.Document, error) {
	var doc vetting.Document
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return doc, err
	}

	i := headerEnd(lines)
	for _, line := range lines[:i] {
		key, val, _ := strings.Cut(line, ":")
		if err := applyHeader(&doc, strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(val)); err != nil {
			return doc, err
		}
	}

	for ; i < len(lines); i++ {
		if t := strings.TrimSpace(lines[i]); t != "" {
			doc.Title = strings.TrimLeft(t, "# ")
			i++
			break
		}
	}
	if i < len(lines) {
		doc.Body = strings.TrimSpace(strings.Join(lines[i:], "\n"))
	}
	return doc, nil
}

var headerKeys = map[string]bool{"source": true, "tickers": true, "ticker": true, "price": true, "published": true, "url": true}

// headerEnd returns the index of the first line after the header block, or 0
// when the file has none.
func headerEnd(lines []string) int {
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			if i == 0 {
				return 0
			}
			return i + 1
		}
		key, _, ok := strings.Cut(line, ":")
		if !ok || !headerKeys[strings.ToLower(strings.TrimSpace(key))] {
			return 0
		}
	}
	return 0
}

func applyHeader(doc *vetting.Document, key, val string) error {
	switch key {
	case "source":
		doc.Source = val
	case "ticker", "tickers":
		for _, t := range strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' }) {
			doc.Tickers = append(doc.Tickers, t)
		}
	case "price":
		p, err := strconv.ParseFloat(strings.TrimPrefix(val, "$"), 64)
		if err != nil {
			return fmt.Errorf("bad price %q: %w", val, err)
		}
		doc.ReferencePrice = p
	case "published":
		t, err := parseTime(val)
		if err != nil {
			return err
		}
		doc.PublishedAt = t
	case "url":
		doc.URL = val
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func parseHTML(content string) (vetting.Document, error) {
	var doc vetting.Document
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return doc, err
	}

	var h1 string
	var walkMeta func(n *html.Node)
	walkMeta = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if doc.Title == "" {
					doc.Title = strings.TrimSpace(textOf(n))
				}
			case "h1":
				if h1 == "" {
					h1 = strings.TrimSpace(textOf(n))
				}
			case "meta":
				name := getAttr(n, "property")
				if name == "" {
					name = getAttr(n, "name")
				}
				val := strings.TrimSpace(getAttr(n, "content"))
				switch name {
				case "og:site_name":
					doc.Source = val
				case "article:published_time":
					if t, err := parseTime(val); err == nil {
						doc.PublishedAt = t
					}
				case "og:url":
					doc.URL = val
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkMeta(c)
		}
	}
	walkMeta(root)
	if doc.Title == "" {
		doc.Title = h1
	}

	var sb strings.Builder
	extractText(root, &sb, 0)
	doc.Body = cleanText(sb.String())
	return doc, nil
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 50 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header", "head":
			return
		case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "li", "tr", "article", "section":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}
}

func textOf(n *html.Node) string {
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
	return sb.String()
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
