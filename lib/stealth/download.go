package stealth

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DownloadFile streams the body of a successful response to path,
// creating parent directories as needed. The fetch goes through the full
// retry policy, filesystem problems abort without retrying.
func (c *Client) DownloadFile(ctx context.Context, url, path string, opts RequestOptions) error {
	ctx, span := tracer.Start(ctx, "DownloadFile")
	defer span.End()
	span.SetAttributes(
		attribute.String("url", url),
		attribute.String("path", path),
	)

	opts.Stream = true
	res, err := c.Get(ctx, url, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return err
	}
	defer res.RawBody.Close()

	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create directories")
		return fmt.Errorf("failed to create directories for %s: %w", path, err)
	}

	file, err := os.Create(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create file")
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	// streamed responses bypass the transparent gzip handling of the
	// parsed path, so the encoding is undone here
	var body io.Reader = res.RawBody
	if strings.EqualFold(res.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(res.RawBody)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to decode body")
			return fmt.Errorf("failed to decode %s: %w", url, err)
		}
		defer gz.Close()
		body = gz
	}

	written, err := io.Copy(file, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write body")
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	slog.Info("downloaded file", "url", url, "path", path, "bytes", written)
	return nil
}
