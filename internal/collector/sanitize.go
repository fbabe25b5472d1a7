package collector

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// strippedElements never carry information a grounding model can act on.
const strippedElements = "script, style, noscript, svg, template, iframe[src^='data:'], link[rel='stylesheet'], link[rel='preload'], meta"

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	interTagSpace = regexp.MustCompile(`>\s+<`)
)

// Sanitize removes scripts, styles, comments, inline style attributes and
// inline event handlers from an HTML document and collapses whitespace.
// Input that cannot be parsed is returned with whitespace collapsed only.
func Sanitize(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return collapse(raw)
	}

	doc.Find(strippedElements).Remove()
	for _, root := range doc.Nodes {
		scrub(root)
	}

	out, err := doc.Html()
	if err != nil {
		return collapse(raw)
	}
	return collapse(out)
}

// scrub drops comment nodes and presentation/handler attributes below n.
func scrub(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			scrub(c)
		}
		c = next
	}
	if n.Type != html.ElementNode || len(n.Attr) == 0 {
		return
	}
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		if key == "style" || strings.HasPrefix(key, "on") {
			continue
		}
		if (key == "href" || key == "src") && strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
			continue
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

func collapse(s string) string {
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = interTagSpace.ReplaceAllString(s, "><")
	return strings.TrimSpace(s)
}
