// Package extract turns uploaded judgment PDFs into plain query text.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/domain"
	"github.com/Ron111104/LEGALYTICS/internal/logger"
)

var pdfMagic = []byte("%PDF-")

// IsPDF reports whether head starts with the PDF signature.
func IsPDF(head []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(head, "\x00\t\r\n "), pdfMagic)
}

// Options control PDF extraction.
type Options struct {
	// MaxPages bounds the pages read; 0 reads every page.
	MaxPages int
	// JudgmentOnly keeps text from the first JUDGMENT heading onward when one exists.
	JudgmentOnly bool
}

// PDF extracts text with ledongthuc/pdf.
type PDF struct {
	opts Options
}

// NewPDF creates a PDF extractor.
func NewPDF(opts Options) *PDF {
	return &PDF{opts: opts}
}

// Extract returns the normalized text of the document. Unparseable documents and
// documents without a text layer yield domain.ErrExtractionEmpty.
func (p *PDF) Extract(ctx context.Context, r io.ReaderAt, size int64) (text string, err error) {
	defer func() {
		// the parser panics on some malformed inputs
		if rec := recover(); rec != nil {
			logger.FromContext(ctx).Warn("pdf parser panic", zap.Any("panic", rec))
			text, err = "", fmt.Errorf("%w: malformed pdf", domain.ErrExtractionEmpty)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrExtractionEmpty, err)
	}

	pages := reader.NumPage()
	if p.opts.MaxPages > 0 && p.opts.MaxPages < pages {
		pages = p.opts.MaxPages
	}

	var b strings.Builder
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err //nolint:wrapcheck // context cancellation
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pt, err := page.GetPlainText(nil)
		if err != nil {
			logger.FromContext(ctx).Debug("skip unreadable page", zap.Int("page", i), zap.Error(err))
			continue
		}
		b.WriteString(pt)
		b.WriteString("\n")
	}

	raw := b.String()
	if p.opts.JudgmentOnly {
		raw = Judgment(raw)
	}
	text = Clean(raw)
	if text == "" {
		return "", domain.ErrExtractionEmpty
	}
	return text, nil
}

var judgmentHeading = regexp.MustCompile(`(?im)^[ \t]*JUDG(?:E)?MENT\b`)

// Judgment returns text from the first JUDGMENT (or JUDGEMENT) heading onward.
// Without a heading, or when nothing follows it, the full text is returned.
func Judgment(text string) string {
	loc := judgmentHeading.FindStringIndex(text)
	if loc == nil {
		return text
	}
	if strings.TrimSpace(text[loc[1]:]) == "" {
		return text
	}
	return text[loc[0]:]
}

// Clean collapses runs of whitespace to single spaces and trims the ends.
func Clean(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
