package source

import (
	"context"
)

// PageFetcher walks one endpoint's paginated sequence in order. The page is
// the last iff the returned slice is empty; a short page does not terminate
// the sequence, because some APIs return exact-size pages at the boundary.
type PageFetcher interface {
	// Next fetches the next page and advances the cursor.
	Next(ctx context.Context) ([]map[string]interface{}, error)
	// Cursor returns the position of the NEXT fetch, for resumption.
	Cursor() (page, offset int)
}

// pageFetcher implements 1-based page-number pagination.
type pageFetcher struct {
	client *Client
	req    PageRequest
	page   int
}

// offsetFetcher implements row-offset pagination.
type offsetFetcher struct {
	client *Client
	req    PageRequest
	offset int
}

// NewPageFetcher builds the fetcher for |req|. Resumption cursors are
// carried in req.Page / req.Offset; zero values start from the beginning.
func NewPageFetcher(client *Client, req PageRequest) PageFetcher {
	if req.UseOffset {
		return &offsetFetcher{client: client, req: req, offset: req.Offset}
	}
	var page = req.Page
	if page < 1 {
		page = 1
	}
	return &pageFetcher{client: client, req: req, page: page}
}

func (f *pageFetcher) Next(ctx context.Context) ([]map[string]interface{}, error) {
	var req = f.req
	req.Page = f.page
	records, err := f.client.FetchPage(ctx, req)
	if err != nil {
		return nil, err
	}
	f.page++
	return records, nil
}

func (f *pageFetcher) Cursor() (int, int) { return f.page, 0 }

func (f *offsetFetcher) Next(ctx context.Context) ([]map[string]interface{}, error) {
	var req = f.req
	req.Offset = f.offset
	records, err := f.client.FetchPage(ctx, req)
	if err != nil {
		return nil, err
	}
	f.offset += len(records)
	return records, nil
}

func (f *offsetFetcher) Cursor() (int, int) { return 0, f.offset }
