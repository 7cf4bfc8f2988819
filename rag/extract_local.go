package rag

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// localPDFExtractor parses PDFs in-process. It sits last in the chain as the
// unconditional fallback when every remote parser has been abandoned.
type localPDFExtractor struct{}

func (localPDFExtractor) Name() string {
	return "local-pdf"
}

func (localPDFExtractor) Extract(ctx context.Context, data []byte) (*ExtractionResult, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("rag: open pdf: %w", err)
	}

	pageCount := reader.NumPage()
	var builder strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page is not fatal; the chain checks
			// overall content length afterwards.
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(text)
	}

	return &ExtractionResult{
		Text:      builder.String(),
		PageCount: pageCount,
	}, nil
}
