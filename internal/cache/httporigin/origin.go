package httporigin

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/cache"
)

// Origin serves chunks from a URL template. The placeholders {source},
// {format}, {start}, {end} (RFC 3339, UTC), {start_date} and {end_date}
// (YYYY-MM-DD) are substituted and query-escaped.
type Origin struct {
	client   *Client
	template string
	headers  http.Header
}

// New returns an origin using client for requests built from template.
func New(client *Client, template string, headers http.Header) (*Origin, error) {
	if strings.TrimSpace(template) == "" {
		return nil, errors.New("httporigin: URL template is empty")
	}
	if _, err := url.Parse(template); err != nil {
		return nil, errors.Wrap(err, "httporigin: URL template")
	}
	return &Origin{client: client, template: template, headers: headers}, nil
}

// URLFor renders the template for r.
func (o *Origin) URLFor(r cache.Request) string {
	s, e := r.Start.UTC(), r.End.UTC()
	return strings.NewReplacer(
		"{source}", url.QueryEscape(r.Source),
		"{format}", url.QueryEscape(r.Format),
		"{start}", url.QueryEscape(s.Format(time.RFC3339)),
		"{end}", url.QueryEscape(e.Format(time.RFC3339)),
		"{start_date}", s.Format("2006-01-02"),
		"{end_date}", e.Format("2006-01-02"),
	).Replace(o.template)
}

// Open implements cache.Origin. 404 and 410 map to cache.ErrNotFound; other
// non-2xx statuses that survived the retry policy are permanent failures.
func (o *Origin) Open(ctx context.Context, r cache.Request) (io.ReadCloser, error) {
	u := o.URLFor(r)
	resp, err := o.client.Get(ctx, u, o.headers)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = resp.Body.Close()
		return nil, errors.Wrapf(cache.ErrNotFound, "GET %s: %d", u, resp.StatusCode)
	}
	_ = resp.Body.Close()
	return nil, &cache.FetchError{
		Code:    cache.CodeOriginFailed,
		Request: r,
		Err:     errors.Errorf("GET %s: unexpected status %d", u, resp.StatusCode),
	}
}
