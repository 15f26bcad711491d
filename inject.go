package liveview

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// injectContainer rewrites a rendered page so the body content sits inside
// the live session container the client runtime attaches to. The container
// carries the topic and the signed session descriptor; the flash token is
// added when a redirect carried one over.
func injectContainer(page, topic, descriptor, flashToken string) (string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("liveview: failed to parse rendered page: %w", err)
	}

	body := findElement(doc, atom.Body)
	if body == nil {
		return "", fmt.Errorf("liveview: rendered page has no body")
	}

	attrs := []html.Attribute{
		{Key: "data-lv-topic", Val: topic},
		{Key: "data-lv-session", Val: descriptor},
	}
	if flashToken != "" {
		attrs = append(attrs, html.Attribute{Key: "data-lv-flash", Val: flashToken})
	}
	container := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr:     attrs,
	}

	// Move the body's children under the container.
	for child := body.FirstChild; child != nil; {
		next := child.NextSibling
		body.RemoveChild(child)
		container.AppendChild(child)
		child = next
	}
	body.AppendChild(container)

	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		return "", fmt.Errorf("liveview: failed to render page: %w", err)
	}
	return sb.String(), nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, a); found != nil {
			return found
		}
	}
	return nil
}
