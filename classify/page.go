package classify

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page holds the metadata extracted from a page snapshot.
type Page struct {
	Title     string
	Canonical string
	SiteName  string
	Platform  Platform
}

// DetectFromHTML refines DetectPlatform using a page snapshot sent by a content script.
// Single-page apps often keep a stale location, so og:url and the canonical link win over pageURL.
func DetectFromHTML(body io.Reader, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	page := &Page{
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		SiteName: metaContent(doc, "og:site_name"),
	}

	page.Canonical = metaContent(doc, "og:url")
	if page.Canonical == "" {
		if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
			page.Canonical = strings.TrimSpace(href)
		}
	}

	page.Platform = PlatformOther
	if page.Canonical != "" {
		page.Platform = DetectPlatform(page.Canonical)
	}
	if page.Platform == PlatformOther {
		page.Platform = DetectPlatform(pageURL)
	}
	if page.Platform == PlatformOther {
		page.Platform = platformFromSiteName(page.SiteName)
	}
	return page, nil
}

func metaContent(doc *goquery.Document, property string) string {
	var content string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		prop, _ := s.Attr("property")
		name, _ := s.Attr("name")
		if prop != property && name != property {
			return true
		}
		content, _ = s.Attr("content")
		content = strings.TrimSpace(content)
		return false
	})
	return content
}

func platformFromSiteName(siteName string) Platform {
	switch strings.ToLower(strings.TrimSpace(siteName)) {
	case "youtube":
		return PlatformYouTube
	case "tiktok":
		return PlatformTikTok
	case "instagram":
		return PlatformInstagram
	case "facebook":
		return PlatformFacebook
	case "x", "twitter", "x (formerly twitter)":
		return PlatformX
	}
	return PlatformOther
}
