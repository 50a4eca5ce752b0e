package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	pubmedSearchURL  = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi"
	pubmedSummaryURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esummary.fcgi"
)

// ReferenceService fetches PubMed citations to back up structured answers.
// Lookups are best-effort: any failure yields an empty reference list, and
// successful lookups are cached so repeated questions on the same topic do
// not hammer NCBI.
type ReferenceService struct {
	apiKey     string
	httpClient *http.Client
	cache      *gocache.Cache
}

// NewReferenceService creates the service. apiKey may be empty; NCBI just
// applies stricter throttling without one.
func NewReferenceService(apiKey string) *ReferenceService {
	return &ReferenceService{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 8 * time.Second},
		cache:      gocache.New(time.Hour, 10*time.Minute),
	}
}

// Fetch returns up to limit PubMed citations for a medical query, formatted
// as "Title - URL" strings.
func (s *ReferenceService) Fetch(ctx context.Context, query string, limit int) []string {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil
	}

	cacheKey := fmt.Sprintf("%s|%d", strings.ToLower(query), limit)
	if cached, found := s.cache.Get(cacheKey); found {
		return cached.([]string)
	}

	ids, err := s.search(ctx, query, limit)
	if err != nil || len(ids) == 0 {
		if err != nil {
			log.Printf("⚠️ [REFERENCES] PubMed search failed: %v", err)
		}
		return nil
	}

	refs, err := s.summaries(ctx, ids)
	if err != nil {
		log.Printf("⚠️ [REFERENCES] PubMed summary failed: %v", err)
		return nil
	}

	s.cache.Set(cacheKey, refs, gocache.DefaultExpiration)
	return refs
}

func (s *ReferenceService) search(ctx context.Context, query string, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", query)
	params.Set("retmode", "json")
	params.Set("retmax", fmt.Sprintf("%d", limit))
	if s.apiKey != "" {
		params.Set("api_key", s.apiKey)
	}

	body, err := s.get(ctx, pubmedSearchURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ESearchResult struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.ESearchResult.IDList, nil
}

func (s *ReferenceService) summaries(ctx context.Context, ids []string) ([]string, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("id", strings.Join(ids, ","))
	params.Set("retmode", "json")
	if s.apiKey != "" {
		params.Set("api_key", s.apiKey)
	}

	body, err := s.get(ctx, pubmedSummaryURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(ids))
	for _, id := range ids {
		raw, ok := parsed.Result[id]
		if !ok {
			continue
		}
		var doc struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil || doc.Title == "" {
			continue
		}
		refs = append(refs, fmt.Sprintf("%s - https://pubmed.ncbi.nlm.nih.gov/%s/", strings.TrimSpace(doc.Title), id))
	}
	return refs, nil
}

func (s *ReferenceService) get(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pubmed returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
