package analyzer

import (
	"net"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

// Page is the parsed view of a document shared by every detector.
type Page struct {
	Doc      *goquery.Document
	FinalURL *url.URL
	// Host is the lowercase hostname of FinalURL without port or trailing dot.
	Host string
	// Domain is the registrable domain of Host (eTLD+1), or Host itself for
	// IP literals and hosts without a public suffix.
	Domain string

	inlineScripts []string
}

func newPage(rawHTML, finalURL string) *Page {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		doc = goquery.NewDocumentFromNode(&html.Node{Type: html.DocumentNode})
	}
	p := &Page{Doc: doc}
	if u, err := url.Parse(strings.TrimSpace(finalURL)); err == nil {
		p.FinalURL = u
		p.Host = hostOf(u)
		p.Domain = registrableDomain(p.Host)
	}
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if text := s.Text(); strings.TrimSpace(text) != "" {
			p.inlineScripts = append(p.inlineScripts, text)
		}
	})
	return p
}

// InlineScripts returns the text of every script element with a body.
func (p *Page) InlineScripts() []string {
	return p.inlineScripts
}

// Resolve interprets ref relative to the page URL.
func (p *Page) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if p.FinalURL == nil {
		return u, nil
	}
	return p.FinalURL.ResolveReference(u), nil
}

// VisibleText concatenates the text nodes a browser would render.
func (p *Page) VisibleText() string {
	var b strings.Builder
	for _, n := range p.Doc.Nodes {
		collectText(n, &b)
	}
	return b.String()
}

var invisibleElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && invisibleElements[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// hostOf returns the comparable form of u's host: "Example.COM." and
// "example.com" name the same site.
func hostOf(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

func registrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// domainLabel strips the public suffix from a registrable domain:
// "login-paypal.co.uk" -> "login-paypal".
func domainLabel(domain string) string {
	if domain == "" || net.ParseIP(domain) != nil {
		return domain
	}
	suffix, _ := publicsuffix.PublicSuffix(domain)
	if suffix == "" || suffix == domain {
		return domain
	}
	return strings.TrimSuffix(domain, "."+suffix)
}

func capStrings(values []string, n int) []string {
	if len(values) > n {
		return append([]string(nil), values[:n]...)
	}
	return values
}
