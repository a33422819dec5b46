package analyzer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/pagerisk/internal/scan"
)

// Detector is one independent check in the battery. Check reports whether it
// fired and, if so, the Finding to append; Points are then credited to Factor.
type Detector struct {
	Type   scan.FindingType
	Factor scan.Factor
	Points int
	Check  func(p *Page, cfg Config) (scan.Finding, bool)
}

var (
	evalRE          = regexp.MustCompile(`(?i)\beval\(`)
	atobRE          = regexp.MustCompile(`(?i)\batob\(`)
	documentWriteRE = regexp.MustCompile(`(?i)\bdocument\.write\(`)
	base64RE        = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)
	ipv4URLRE       = regexp.MustCompile(`(?i)^https?://\d+\.\d+\.\d+\.\d+`)
	fourDigitsRE    = regexp.MustCompile(`[0-9]{4,}`)
	zeroSizeStyleRE = regexp.MustCompile(`(?:^|;)(?:width|height):0(?:\.0+)?(?:px|em|rem|%)?(?:!important)?(?:;|$)`)
)

type minerSignature struct {
	name string
	re   *regexp.Regexp
}

var minerSignatures = []minerSignature{
	{name: "WebAssembly.instantiate", re: regexp.MustCompile(`(?i)WebAssembly\.instantiate`)},
	{name: "coinhive", re: regexp.MustCompile(`(?i)coinhive`)},
	{name: "miner", re: regexp.MustCompile(`(?i)miner`)},
	{name: "wasm", re: regexp.MustCompile(`(?i)wasm`)},
	{name: "cryptonight", re: regexp.MustCompile(`(?i)cryptonight`)},
	{name: "asmCrypto", re: regexp.MustCompile(`(?i)asmCrypto`)},
}

var suspiciousTLDs = map[string]bool{
	"tk":  true,
	"cn":  true,
	"ru":  true,
	"xyz": true,
	"top": true,
}

var brandKeywords = []string{
	"paypal",
	"google",
	"microsoft",
	"amazon",
	"apple",
	"bankofamerica",
	"chase",
	"hsbc",
}

// Detectors returns the battery in execution order.
func Detectors() []Detector {
	return []Detector{
		{Type: scan.FindingMetaRefresh, Factor: scan.FactorSourceAnalysis, Points: 15, Check: checkMetaRefresh},
		{Type: scan.FindingHiddenIframes, Factor: scan.FactorSourceAnalysis, Points: 25, Check: checkHiddenIframes},
		{Type: scan.FindingObfuscatedJS, Factor: scan.FactorSourceAnalysis, Points: 25, Check: checkObfuscatedJS},
		{Type: scan.FindingBase64Payload, Factor: scan.FactorSourceAnalysis, Points: 20, Check: checkBase64Payload},
		{Type: scan.FindingCryptoMiner, Factor: scan.FactorSourceAnalysis, Points: 30, Check: checkCryptoMiner},
		{Type: scan.FindingPhishingForms, Factor: scan.FactorSourceAnalysis, Points: 35, Check: checkPhishingForms},
		{
			Type:   scan.FindingManyExternalScripts,
			Factor: scan.FactorSourceAnalysis,
			Points: 15,
			Check:  checkManyExternalScripts,
		},
		{Type: scan.FindingBrandMismatch, Factor: scan.FactorSourceAnalysis, Points: 30, Check: checkBrandMismatch},
		{Type: scan.FindingSuspiciousLinks, Factor: scan.FactorURLPattern, Points: 15, Check: checkSuspiciousLinks},
		{Type: scan.FindingNoTLS, Factor: scan.FactorURLPattern, Points: 10, Check: checkNoTLS},
		{Type: scan.FindingDomainHeuristic, Factor: scan.FactorURLPattern, Points: 10, Check: checkDomainHeuristic},
	}
}

func checkMetaRefresh(p *Page, _ Config) (scan.Finding, bool) {
	var targets []string
	p.Doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		if strings.EqualFold(strings.TrimSpace(equiv), "refresh") {
			content, _ := s.Attr("content")
			targets = append(targets, strings.TrimSpace(content))
		}
	})
	if len(targets) == 0 {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type:        scan.FindingMetaRefresh,
		Description: "Meta refresh / auto-redirect detected",
		Count:       len(targets),
		Examples:    capStrings(targets, 3),
	}, true
}

func checkHiddenIframes(p *Page, _ Config) (scan.Finding, bool) {
	var sources []string
	p.Doc.Find("iframe").Each(func(_ int, s *goquery.Selection) {
		if iframeHidden(s) {
			src, _ := s.Attr("src")
			sources = append(sources, src)
		}
	})
	if len(sources) == 0 {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type:        scan.FindingHiddenIframes,
		Description: "Hidden iframes found",
		Count:       len(sources),
		Examples:    capStrings(sources, 3),
	}, true
}

func iframeHidden(s *goquery.Selection) bool {
	if zeroDimension(s.AttrOr("width", "")) || zeroDimension(s.AttrOr("height", "")) {
		return true
	}
	style := strings.ToLower(strings.Join(strings.Fields(s.AttrOr("style", "")), ""))
	return strings.Contains(style, "display:none") ||
		strings.Contains(style, "visibility:hidden") ||
		zeroSizeStyleRE.MatchString(style)
}

func zeroDimension(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return false
	}
	v = strings.TrimSuffix(strings.TrimSuffix(v, "px"), "%")
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return err == nil && n == 0
}

func checkObfuscatedJS(p *Page, _ Config) (scan.Finding, bool) {
	hits := 0
	for _, script := range p.InlineScripts() {
		if evalRE.MatchString(script) || documentWriteRE.MatchString(script) || atobRE.MatchString(script) {
			hits++
		}
	}
	if hits == 0 {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type: scan.FindingObfuscatedJS,
		Description: fmt.Sprintf(
			"Use of eval/atob/document.write found in inline scripts (%d occurrences)", hits),
		Count: hits,
	}, true
}

func checkBase64Payload(p *Page, _ Config) (scan.Finding, bool) {
	hits := 0
	for _, script := range p.InlineScripts() {
		if base64RE.MatchString(script) {
			hits++
		}
	}
	if hits == 0 {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type:        scan.FindingBase64Payload,
		Description: "Long base64-like strings found in inline scripts (possible encoded payloads)",
		Count:       hits,
	}, true
}

func checkCryptoMiner(p *Page, _ Config) (scan.Finding, bool) {
	scripts := p.InlineScripts()
	var found []string
	for _, sig := range minerSignatures {
		for _, script := range scripts {
			if sig.re.MatchString(script) {
				found = append(found, sig.name)
				break
			}
		}
	}
	if len(found) == 0 {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type:        scan.FindingCryptoMiner,
		Description: "Crypto-miner-like signatures found in inline scripts",
		Signatures:  found,
	}, true
}

func checkPhishingForms(p *Page, _ Config) (scan.Finding, bool) {
	var actions []string
	p.Doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		action := strings.TrimSpace(s.AttrOr("action", ""))
		if action == "" {
			return
		}
		target, err := p.Resolve(action)
		if err != nil || target.Hostname() == "" {
			return
		}
		if registrableDomain(target.Hostname()) != p.Domain {
			actions = append(actions, target.String())
		}
	})
	if len(actions) == 0 {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type:        scan.FindingPhishingForms,
		Description: "Forms submit to external / mismatched domains",
		Count:       len(actions),
		Examples:    capStrings(actions, 3),
	}, true
}

func checkManyExternalScripts(p *Page, cfg Config) (scan.Finding, bool) {
	var external []string
	p.Doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		target, err := p.Resolve(s.AttrOr("src", ""))
		if err != nil {
			return
		}
		host := hostOf(target)
		if host != "" && host != p.Host {
			external = append(external, target.String())
		}
	})
	if len(external) <= cfg.ExternalScriptLimit {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type:        scan.FindingManyExternalScripts,
		Description: fmt.Sprintf("Page loads %d scripts from external hosts", len(external)),
		Count:       len(external),
		Examples:    capStrings(external, 5),
	}, true
}

func checkBrandMismatch(p *Page, _ Config) (scan.Finding, bool) {
	text := strings.ToLower(p.VisibleText())
	var mismatched []string
	for _, brand := range brandKeywords {
		if strings.Contains(text, brand) && !strings.Contains(p.Host, brand) {
			mismatched = append(mismatched, brand)
		}
	}
	if len(mismatched) == 0 {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type:        scan.FindingBrandMismatch,
		Description: "Page contains brand keywords not matching domain (possible credential phishing)",
		Brands:      capStrings(mismatched, 5),
	}, true
}

func checkSuspiciousLinks(p *Page, _ Config) (scan.Finding, bool) {
	var links []scan.SuspiciousLink
	p.Doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		if ipv4URLRE.MatchString(href) {
			links = append(links, scan.SuspiciousLink{Href: href, Reason: "IP in URL"})
		}
		target, err := p.Resolve(href)
		if err != nil || !hasOwnHost(href) {
			return
		}
		host := hostOf(target)
		if host == "" {
			return
		}
		suffix, _ := publicsuffix.PublicSuffix(host)
		if suspiciousTLDs[suffix] {
			links = append(links, scan.SuspiciousLink{Href: href, Reason: "Suspicious TLD ." + suffix})
		}
	})
	if len(links) == 0 {
		return scan.Finding{}, false
	}
	if len(links) > 5 {
		links = links[:5]
	}
	return scan.Finding{
		Type:        scan.FindingSuspiciousLinks,
		Description: "Suspicious links found in page",
		Links:       links,
	}, true
}

// hasOwnHost reports whether href names a host itself (absolute or
// scheme-relative) rather than inheriting the page's.
func hasOwnHost(href string) bool {
	if strings.HasPrefix(href, "//") {
		return true
	}
	i := strings.Index(href, "://")
	return i > 0 && !strings.ContainsAny(href[:i], "/?#")
}

func checkNoTLS(p *Page, _ Config) (scan.Finding, bool) {
	if p.FinalURL == nil || !strings.EqualFold(p.FinalURL.Scheme, "http") {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type:        scan.FindingNoTLS,
		Description: "URL served over HTTP (no TLS) - phishing sites often lack valid TLS",
	}, true
}

func checkDomainHeuristic(p *Page, _ Config) (scan.Finding, bool) {
	label := domainLabel(p.Domain)
	if label == "" {
		return scan.Finding{}, false
	}
	if !fourDigitsRE.MatchString(label) && len(label) <= 25 && len(label) >= 3 {
		return scan.Finding{}, false
	}
	return scan.Finding{
		Type:        scan.FindingDomainHeuristic,
		Description: "Domain name looks suspicious by simple heuristics (very long / numeric)",
		Examples:    []string{label},
	}, true
}
