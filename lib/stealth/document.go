package stealth

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

var Unparseable = fmt.Errorf("response body is not parseable html")

// FetchDocument gets the url and parses the body into a queryable
// document. A body that fails to parse is a soft failure: the fetch
// itself succeeded, so no retry is warranted.
func (c *Client) FetchDocument(ctx context.Context, url string, opts RequestOptions) (*goquery.Document, error) {
	ctx, span := tracer.Start(ctx, "FetchDocument")
	defer span.End()

	opts.Stream = false
	res, err := c.Get(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse html")
		return nil, fmt.Errorf("%w: %v", Unparseable, err)
	}
	return doc, nil
}
