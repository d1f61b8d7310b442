package executor

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

// Selectors locate offers on a listing page. Field selectors are evaluated
// inside each item node.
type Selectors struct {
	Item        string
	Title       string
	Link        string
	Company     string
	Location    string
	Salary      string
	Description string
	// IDAttribute names the item attribute holding the board's own offer id.
	IDAttribute string
	// Next selects the pagination link.
	Next string
}

// DefaultSelectors match the common data-attribute markup of job boards.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:        "[data-test='job-offer'], article.job-offer",
		Title:       "[data-test='offer-title'], h2",
		Link:        "a[href]",
		Company:     "[data-test='company-name'], .company",
		Location:    "[data-test='offer-location'], .location",
		Salary:      "[data-test='offer-salary'], .salary",
		Description: "[data-test='offer-description'], .description",
		IDAttribute: "data-offer-id",
		Next:        "a[rel='next']",
	}
}

// Extraction is what one listing page yielded.
type Extraction struct {
	Offers          []scrape.Offer
	DiscoveredLinks int
	NextURL         string
}

// Extract parses body and returns the offers found with sel.
func Extract(body []byte, pageURL string, sel Selectors) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse listing html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	var out Extraction
	links := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href := resolve(base, s.AttrOr("href", "")); href != "" {
			links[href] = struct{}{}
		}
	})
	out.DiscoveredLinks = len(links)

	if sel.Item == "" {
		return out, nil
	}
	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		offer := scrape.Offer{
			Title:       text(item, sel.Title),
			Company:     text(item, sel.Company),
			Location:    text(item, sel.Location),
			Salary:      text(item, sel.Salary),
			Description: text(item, sel.Description),
		}
		if sel.IDAttribute != "" {
			offer.ExternalID = strings.TrimSpace(item.AttrOr(sel.IDAttribute, ""))
		}
		if sel.Link != "" {
			link := item.Find(sel.Link).First()
			if link.Length() == 0 && goquery.NodeName(item) == "a" {
				link = item
			}
			offer.URL = resolve(base, link.AttrOr("href", ""))
		}
		out.Offers = append(out.Offers, offer)
	})
	if sel.Next != "" {
		out.NextURL = resolve(base, doc.Find(sel.Next).First().AttrOr("href", ""))
	}
	return out, nil
}

func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(s.Find(selector).First().Text()), " ")
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
