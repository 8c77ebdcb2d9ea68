package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"content-platform/internal/models"
)

// DocumentStore persists ingested documents.
type DocumentStore interface {
	UpsertContentDocument(ctx context.Context, doc models.ContentDocument) error
}

// ContentHandler runs content.ingest jobs: fetch the source, sanitize it
// against an allowlist and upsert the result under its content id.
type ContentHandler struct {
	client   *http.Client
	docs     DocumentStore
	maxBytes int64
	policy   *bluemonday.Policy
}

type contentPayload struct {
	SourceURL string `json:"source_url"`
	ContentID string `json:"content_id"`
}

// NewContentHandler builds the handler. A nil client gets the SSRF-guarded one.
func NewContentHandler(client *http.Client, docs DocumentStore, maxBytes int64) *ContentHandler {
	if client == nil {
		client = NewSafeClient(0)
	}
	return &ContentHandler{
		client:   client,
		docs:     docs,
		maxBytes: maxBytes,
		policy:   contentPolicy(),
	}
}

// contentPolicy allows basic formatting and absolute links only. Scripts,
// frames, styles and event attributes are dropped.
func contentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "h1", "h2", "h3",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemes("https")
	return p
}

// extract parses page and returns the text of the first <title> and the
// markup inside <body>. Comments, scripts and styles never reach the output.
func extract(page []byte) (title, body string, err error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	prune(doc)

	var bodyNode *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if title == "" {
					title = strings.Join(strings.Fields(textOf(n)), " ")
				}
				return
			case atom.Body:
				if bodyNode == nil {
					bodyNode = n
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if bodyNode == nil {
		return title, "", nil
	}
	var buf bytes.Buffer
	for c := bodyNode.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", "", fmt.Errorf("render body: %w", err)
		}
	}
	return title, buf.String(), nil
}

// prune drops comment, script, style and noscript nodes below n.
func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.CommentNode,
			c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style || c.DataAtom == atom.Noscript):
			n.RemoveChild(c)
		default:
			prune(c)
		}
		c = next
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

func (h *ContentHandler) Handle(ctx context.Context, job models.Job) error {
	var p contentPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.SourceURL == "" || p.ContentID == "" {
		return Permanent(errors.New("source_url and content_id are required"))
	}

	raw, _, err := fetch(ctx, h.client, p.SourceURL, h.maxBytes)
	if err != nil {
		return err
	}
	title, body, err := extract(raw)
	if err != nil {
		return Permanent(err)
	}
	clean := strings.TrimSpace(h.policy.Sanitize(body))

	sum := sha256.Sum256([]byte(title + "\x00" + clean))
	doc := models.ContentDocument{
		ContentID:   p.ContentID,
		SourceURL:   p.SourceURL,
		Title:       title,
		Body:        clean,
		IngestedBy:  job.ActorUserID,
		LastJobID:   job.ID,
		ContentHash: hex.EncodeToString(sum[:]),
	}
	if err := h.docs.UpsertContentDocument(ctx, doc); err != nil {
		return fmt.Errorf("store document %s: %w", p.ContentID, err)
	}
	return nil
}
