package scrape

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
	"github.com/sells-group/siteintel/pkg/jina"
)

// minReaderContent is the shortest markdown body worth keeping. Shorter
// bodies are challenge pages or empty shells.
const minReaderContent = 100

var (
	mdImageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)[^)]*\)`)
	mdLinkRe  = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)[^)]*\)`)
	mdMarkRe  = regexp.MustCompile("[*_`>]+")
	phoneRe   = regexp.MustCompile(`\+?\(?\d{1,4}\)?[\s.\-]?\(?\d{2,4}\)?[\s.\-]\d{3,4}[\s.\-]?\d{3,4}`)
)

// ReaderScraper fetches pages through the Jina reader, which renders
// JavaScript server-side and returns markdown. It backs the ai type.
type ReaderScraper struct {
	client  jina.Client
	breaker *resilience.Breaker
}

// NewReaderScraper guards client with breaker so a failing reader stops
// consuming the cycle's URL budget. A nil breaker gets default settings.
func NewReaderScraper(client jina.Client, breaker *resilience.Breaker) *ReaderScraper {
	if breaker == nil {
		breaker = resilience.NewBreaker("jina", resilience.DefaultBreakerConfig())
	}
	return &ReaderScraper{client: client, breaker: breaker}
}

func (s *ReaderScraper) Type() model.ScraperType { return model.ScraperAI }

// BreakerState exposes the reader circuit state for status reporting.
func (s *ReaderScraper) BreakerState() resilience.CircuitState {
	return s.breaker.State()
}

func (s *ReaderScraper) Fetch(ctx context.Context, target string) (*model.Page, error) {
	var (
		resp    *jina.ReadResponse
		readErr error
	)
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		resp, readErr = s.client.Read(ctx, target)
		var se *jina.StatusError
		if errors.As(readErr, &se) && !resilience.IsTransientHTTPStatus(se.StatusCode) {
			// page-level failure; the reader itself is healthy
			return nil
		}
		return readErr
	})
	if err == nil {
		err = readErr
	}
	if err != nil {
		var se *jina.StatusError
		if errors.As(err, &se) {
			return nil, eris.Wrap(&resilience.StatusError{URL: target, StatusCode: se.StatusCode}, "ai")
		}
		return nil, eris.Wrapf(err, "ai: read %s", target)
	}

	content := strings.TrimSpace(resp.Data.Content)
	if len(content) < minReaderContent {
		return nil, eris.Wrapf(ErrBlocked, "ai: %s (%d bytes of content)", target, len(content))
	}
	if bt := DetectBlock(200, nil, []byte(content), false); bt != BlockNone {
		return nil, eris.Wrapf(ErrBlocked, "ai: %s (%s)", target, bt)
	}

	page, err := extractMarkdown(target, content)
	if err != nil {
		return nil, err
	}
	if resp.Data.Title != "" {
		page.Title = resp.Data.Title
	}
	page.Description = resp.Data.Description
	if resp.Data.URL != "" && resp.Data.URL != target {
		page.FinalURL = resp.Data.URL
	}
	return page, nil
}

// extractMarkdown turns reader markdown into a Page: headings from #
// lines, paragraphs from prose blocks, images and same-host links from
// inline markup, contacts from the text.
func extractMarkdown(pageURL, md string) (*model.Page, error) {
	x, err := newExtraction(pageURL, 200)
	if err != nil {
		return nil, err
	}

	for _, m := range mdImageRe.FindAllStringSubmatch(md, -1) {
		if src := x.resolve(m[1]); src != "" && !strings.HasPrefix(src, "data:") {
			x.page.Images = appendUnique(x.page.Images, src)
		}
	}
	noImages := mdImageRe.ReplaceAllString(md, "")
	for _, m := range mdLinkRe.FindAllStringSubmatch(noImages, -1) {
		x.markdownLink(m[2])
	}

	for _, block := range strings.Split(md, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if strings.HasPrefix(block, "#") {
			line, _, _ := strings.Cut(block, "\n")
			if h := clean(strings.TrimLeft(line, "# ")); h != "" {
				x.page.Headings = appendUnique(x.page.Headings, h)
				if x.page.Title == "" && strings.HasPrefix(line, "# ") {
					x.page.Title = h
				}
			}
			continue
		}
		text := mdImageRe.ReplaceAllString(block, "")
		text = mdLinkRe.ReplaceAllString(text, "$1")
		text = clean(mdMarkRe.ReplaceAllString(text, ""))
		if len(text) >= minParagraphLen && len(x.page.Paragraphs) < maxParagraphs {
			x.page.Paragraphs = appendUnique(x.page.Paragraphs, text)
		}
	}

	plain := clean(mdMarkRe.ReplaceAllString(mdLinkRe.ReplaceAllString(noImages, "$1"), ""))
	if len(plain) > maxTextLen {
		plain = plain[:maxTextLen]
	}
	x.page.Text = plain
	// emails are matched before markup stripping eats underscores
	for _, e := range emailRe.FindAllString(noImages, -1) {
		x.addEmail(e)
	}
	for _, p := range phoneRe.FindAllString(plain, -1) {
		x.addPhone(p)
	}
	if len(x.page.Paragraphs) > 0 {
		setField(x.fields, "company.description", x.page.Paragraphs[0])
	}

	x.finish()
	return x.page, nil
}

func (x *extraction) markdownLink(href string) {
	lower := strings.ToLower(href)
	switch {
	case strings.HasPrefix(lower, "mailto:"):
		x.addEmail(strings.SplitN(href[len("mailto:"):], "?", 2)[0])
		return
	case strings.HasPrefix(lower, "tel:"):
		x.addPhone(href[len("tel:"):])
		return
	}
	abs := x.resolve(href)
	if abs == "" {
		return
	}
	x.classifyLink(abs)
}
