// Package extract turns rendered listing pages into product records using CSS selectors.
package extract

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

// ErrNoItems is returned when the item selector matched nothing.
var ErrNoItems = errors.New("item selector matched no elements")

// Fields maps each product attribute to a selector evaluated inside one item.
type Fields struct {
	Name     string `mapstructure:"name"`
	Price    string `mapstructure:"price"`
	Material string `mapstructure:"material"`
	Weight   string `mapstructure:"weight"`
	// Image selects an element whose src (or data-src) holds the picture URL.
	Image string `mapstructure:"image"`
}

// Rules describe how to find products on a site's listing pages.
type Rules struct {
	ItemSelector string `mapstructure:"item_selector"`
	Fields       Fields `mapstructure:"fields"`
}

// Validate compiles every selector so configuration mistakes surface at startup.
func (r Rules) Validate() error {
	if strings.TrimSpace(r.ItemSelector) == "" {
		return fmt.Errorf("item_selector is required")
	}
	if strings.TrimSpace(r.Fields.Name) == "" {
		return fmt.Errorf("fields.name is required")
	}
	selectors := map[string]string{
		"item_selector":   r.ItemSelector,
		"fields.name":     r.Fields.Name,
		"fields.price":    r.Fields.Price,
		"fields.material": r.Fields.Material,
		"fields.weight":   r.Fields.Weight,
		"fields.image":    r.Fields.Image,
	}
	for key, sel := range selectors {
		if sel == "" {
			continue
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("%s: invalid selector %q: %w", key, sel, err)
		}
	}
	return nil
}

// Extract parses html and returns one product per item element. Items without any
// populated field are dropped. Image URLs are resolved against pageURL.
func Extract(html string, rules Rules, site, pageURL string) ([]crawler.Product, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := baseURL(doc, pageURL)
	if err != nil {
		return nil, err
	}

	items := doc.Find(rules.ItemSelector)
	if items.Length() == 0 {
		return nil, ErrNoItems
	}
	products := make([]crawler.Product, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		p := crawler.Product{
			Site:      site,
			Name:      text(item, rules.Fields.Name),
			Price:     text(item, rules.Fields.Price),
			Material:  text(item, rules.Fields.Material),
			Weight:    text(item, rules.Fields.Weight),
			ImageURL:  imageURL(item, rules.Fields.Image, base),
			SourceURL: pageURL,
		}
		if p.Name == "" && p.Price == "" && p.Material == "" && p.Weight == "" && p.ImageURL == "" {
			return
		}
		products = append(products, p)
	})
	return products, nil
}

func baseURL(doc *goquery.Document, pageURL string) (*url.URL, error) {
	page, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			return page.ResolveReference(ref), nil
		}
	}
	return page, nil
}

func text(item *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return collapse(item.Find(selector).First().Text())
}

func imageURL(item *goquery.Selection, selector string, base *url.URL) string {
	if selector == "" {
		return ""
	}
	sel := item.Find(selector).First()
	if sel.Length() > 0 && !sel.Is("img") {
		if inner := sel.Find("img").First(); inner.Length() > 0 {
			sel = inner
		}
	}
	for _, attr := range []string{"src", "data-src"} {
		raw := strings.TrimSpace(sel.AttrOr(attr, ""))
		if raw == "" || strings.HasPrefix(raw, "data:") {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		return base.ResolveReference(ref).String()
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
