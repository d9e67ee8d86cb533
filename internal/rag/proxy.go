// Package rag proxies model management and the embedding store of the LLM
// service. Reads are cached until a mutation revalidates them.
package rag

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
)

// Cache tags, one per cached read.
const (
	TagEmbeddings = "rag/text_embeddings"
	TagSources    = "rag/text_embedding_sources"
)

// Page selects a slice of the embedding list. Paging applies only when both
// Page and PageSize are positive; Source filters within a page.
type Page struct {
	Page     int
	PageSize int
	Source   string
}

type Proxy struct {
	api    *fetchapi.Client
	logger *slog.Logger
}

func New(api *fetchapi.Client, logger *slog.Logger) *Proxy {
	return &Proxy{api: api, logger: logger.With(slog.String("component", "rag"))}
}

func (p *Proxy) Models(ctx context.Context) fetchapi.Response {
	return p.api.Get(ctx, "models")
}

// Pull asks the LLM service to download model.
func (p *Proxy) Pull(ctx context.Context, model string) fetchapi.Response {
	resp := p.api.Post(ctx, "pull", map[string]string{"model": model})
	if resp.Status {
		p.logger.Info("model pull requested", slog.String("model", model))
	}
	return resp
}

func (p *Proxy) Sources(ctx context.Context) fetchapi.Response {
	return p.api.Get(ctx, TagSources, fetchapi.WithTags(TagSources))
}

func (p *Proxy) Embeddings(ctx context.Context, page Page) fetchapi.Response {
	opts := []fetchapi.RequestOption{fetchapi.WithTags(TagEmbeddings)}
	if page.Page > 0 && page.PageSize > 0 {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page.Page))
		q.Set("pageSize", strconv.Itoa(page.PageSize))
		if page.Source != "" {
			q.Set("source", page.Source)
		}
		opts = append(opts, fetchapi.WithQuery(q))
	}
	return p.api.Get(ctx, TagEmbeddings, opts...)
}

// Upload forwards a multipart document body for chunking and embedding.
func (p *Proxy) Upload(ctx context.Context, chunkSize, chunkOverlap int, body io.Reader, contentType string) fetchapi.Response {
	q := url.Values{}
	q.Set("chunk_size", strconv.Itoa(chunkSize))
	q.Set("chunk_overlap", strconv.Itoa(chunkOverlap))
	resp := p.api.Post(ctx, TagEmbeddings, nil, fetchapi.WithQuery(q), fetchapi.WithBody(body, contentType))
	p.revalidate(resp)
	return resp
}

func (p *Proxy) DeleteByUUID(ctx context.Context, id string) fetchapi.Response {
	resp := p.api.Delete(ctx, TagEmbeddings+"/"+url.PathEscape(id))
	p.revalidate(resp)
	return resp
}

func (p *Proxy) DeleteBySource(ctx context.Context, source string) fetchapi.Response {
	resp := p.api.Delete(ctx, TagEmbeddings+"/source/"+url.PathEscape(source))
	p.revalidate(resp)
	return resp
}

func (p *Proxy) revalidate(resp fetchapi.Response) {
	if !resp.Status {
		return
	}
	p.api.Revalidate(TagEmbeddings)
	p.api.Revalidate(TagSources)
}
