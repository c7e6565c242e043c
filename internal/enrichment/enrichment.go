// Package enrichment implements the three independent context sources
// that feed a webhook's memory-block content: knowledge-graph search,
// arXiv search, and agent-registry search. Each adapter has its own
// trigger predicate and degrades to "no contribution" on failure rather
// than failing the request.
package enrichment

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oculair/graphiti-gateway/internal/httpx"
	"github.com/oculair/graphiti-gateway/internal/retry"
)

// contentWordStopWords is the fixed stop-word set dropped when building
// the knowledge-graph query's leading "content words".
var contentWordStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {},
	"at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "how": {}, "what": {}, "when": {}, "where": {}, "why": {},
	"which": {}, "that": {}, "this": {}, "these": {}, "those": {}, "can": {}, "do": {},
	"does": {}, "you": {}, "me": {}, "my": {}, "it": {},
}

func contentWords(prompt string, n int) []string {
	words := strings.Fields(strings.ToLower(prompt))
	out := make([]string, 0, n)
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) <= 3 {
			continue
		}
		if _, stop := contentWordStopWords[w]; stop {
			continue
		}
		out = append(out, w)
		if len(out) == n {
			break
		}
	}
	return out
}

// buildGraphitiQuery extracts up to two content words from the prompt and
// concatenates keywords-then-full-prompt as the search query.
func buildGraphitiQuery(prompt string) string {
	keywords := contentWords(prompt, 2)
	if len(keywords) == 0 {
		return prompt
	}
	return strings.Join(keywords, " ") + " " + prompt
}

// KnowledgeGraph wraps the unified search endpoint of the knowledge-graph
// service.
type KnowledgeGraph struct {
	client   *httpx.Client
	maxNodes int
	maxFacts int
}

// NewKnowledgeGraph builds a KnowledgeGraph adapter over client, capping
// results at maxNodes nodes and maxFacts deduplicated facts.
func NewKnowledgeGraph(client *httpx.Client, maxNodes, maxFacts int) *KnowledgeGraph {
	return &KnowledgeGraph{client: client, maxNodes: maxNodes, maxFacts: maxFacts}
}

type edgeConfig struct {
	SearchMethods []string `json:"search_methods"`
	Reranker      string   `json:"reranker"`
	BFSMaxDepth   int      `json:"bfs_max_depth"`
	SimMinScore   float64  `json:"sim_min_score"`
	MMRLambda     float64  `json:"mmr_lambda"`
}

type nodeConfig struct {
	SearchMethods         []string `json:"search_methods"`
	Reranker              string   `json:"reranker"`
	SimMinScore           float64  `json:"sim_min_score"`
	MMRLambda             float64  `json:"mmr_lambda"`
	CentralityBoostFactor float64  `json:"centrality_boost_factor"`
}

type searchConfig struct {
	EdgeConfig       edgeConfig `json:"edge_config"`
	NodeConfig       nodeConfig `json:"node_config"`
	Limit            int        `json:"limit"`
	RerankerMinScore float64    `json:"reranker_min_score"`
}

type searchRequest struct {
	Query   string         `json:"query"`
	Config  searchConfig   `json:"config"`
	Filters map[string]any `json:"filters"`
}

type graphNode struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

type graphEdge struct {
	Fact string `json:"fact"`
}

type searchResponse struct {
	Nodes []graphNode `json:"nodes"`
	Edges []graphEdge `json:"edges"`
}

// Fetch always triggers (the knowledge-graph source has no gate) and
// returns the rendered context plus whether the search produced results.
func (k *KnowledgeGraph) Fetch(ctx context.Context, prompt string) (string, bool) {
	req := searchRequest{
		Query: buildGraphitiQuery(prompt),
		Config: searchConfig{
			EdgeConfig: edgeConfig{
				SearchMethods: []string{"bm25", "cosine_similarity"},
				Reranker:      "rrf",
				BFSMaxDepth:   3,
				SimMinScore:   0.5,
				MMRLambda:     0.5,
			},
			NodeConfig: nodeConfig{
				SearchMethods:         []string{"bm25", "cosine_similarity"},
				Reranker:              "rrf",
				SimMinScore:           0.5,
				MMRLambda:             0.5,
				CentralityBoostFactor: 0.5,
			},
			Limit:            k.maxNodes,
			RerankerMinScore: 0,
		},
		Filters: map[string]any{},
	}

	var resp searchResponse
	if _, err := k.client.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		Path:   "/search",
		Body:   req,
	}, &resp); err != nil {
		return "", false
	}

	if len(resp.Nodes) == 0 && len(resp.Edges) == 0 {
		return "No relevant knowledge graph entries found.", false
	}

	var b strings.Builder
	b.WriteString("Relevant Entities from Knowledge Graph:\n\n")

	nodes := resp.Nodes
	if len(nodes) > k.maxNodes {
		nodes = nodes[:k.maxNodes]
	}
	for _, n := range nodes {
		fmt.Fprintf(&b, "Node: %s\nSummary: %s\n", n.Name, n.Summary)
	}

	seen := make(map[string]struct{}, len(resp.Edges))
	facts := 0
	for _, e := range resp.Edges {
		if facts >= k.maxFacts {
			break
		}
		if _, dup := seen[e.Fact]; dup {
			continue
		}
		seen[e.Fact] = struct{}{}
		fmt.Fprintf(&b, "Fact: %s\n", e.Fact)
		facts++
	}

	return strings.TrimRight(b.String(), "\n"), true
}

// Arxiv implements the arXiv trigger/search/render pipeline. The source
// can be toggled off entirely via configuration, in which case Trigger
// always returns false.
type Arxiv struct {
	enabled    bool
	httpClient *http.Client
	baseURL    string
}

// NewArxiv builds an Arxiv adapter. enabled mirrors config.ArxivConfig.Enabled.
func NewArxiv(enabled bool) *Arxiv {
	return &Arxiv{
		enabled:    enabled,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "http://export.arxiv.org/api/query",
	}
}

var researchKeywords = map[string][]string{
	"strong": {
		"arxiv", "preprint", "research paper", "academic paper", "peer review",
		"journal article", "publication", "study shows", "research shows",
		"empirical study", "systematic review", "meta-analysis", "literature review",
		"experimental results", "methodology", "hypothesis", "theoretical framework",
		"recent advances in", "state of the art", "cutting edge research",
		"breakthrough in", "scientific discovery", "research breakthrough",
	},
	"medium": {
		"algorithm", "machine learning", "deep learning", "neural network",
		"artificial intelligence", "computer vision", "natural language processing",
		"quantum computing", "cryptography", "blockchain research",
		"physics", "mathematics", "statistics", "computational",
		"optimization", "simulation", "modeling", "analysis",
		"theorem", "proof", "mathematical", "statistical",
	},
	"weak": {
		"latest research", "recent developments", "new findings",
		"scientific", "academic", "technical advances",
		"innovations", "discoveries", "experiments",
	},
}

var researchExclusions = []string{
	"how to", "tutorial", "guide", "best practices", "tips",
	"what is", "explain", "definition", "meaning",
	"stock market", "price", "news", "weather", "sports",
	"celebrity", "entertainment", "politics", "election",
	"restaurant", "recipe", "travel", "shopping",
	"today", "yesterday", "tomorrow", "current events",
}

var categoryKeywords = map[string][]string{
	"cs": {
		"computer science", "algorithm", "programming", "software", "ai", "ml",
		"machine learning", "deep learning", "neural network", "nlp",
		"computer vision", "robotics", "data mining", "cybersecurity",
	},
	"math": {
		"mathematics", "mathematical", "theorem", "proof", "algebra",
		"calculus", "geometry", "topology", "number theory", "analysis",
	},
	"physics": {
		"physics", "quantum", "particle", "cosmology", "relativity",
		"thermodynamics", "mechanics", "optics", "condensed matter",
	},
	"stat": {
		"statistics", "statistical", "probability", "bayesian",
		"regression", "hypothesis testing", "data analysis",
	},
	"eess": {
		"signal processing", "image processing", "control systems",
		"electrical engineering", "communications",
	},
	"q-bio": {
		"biology", "bioinformatics", "genomics", "neuroscience",
		"molecular biology", "computational biology",
	},
	"q-fin": {
		"finance", "financial", "economics", "trading", "risk management",
		"quantitative finance", "portfolio optimization",
	},
}

var arxivSearchStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {},
	"at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "how": {}, "what": {}, "when": {}, "where": {}, "why": {},
	"which": {}, "that": {}, "this": {}, "these": {}, "those": {},
}

// Trigger scores the prompt against the graded keyword lexicon after
// checking the hard exclusion list. Returns (false, "") when the source
// is disabled via configuration.
func (a *Arxiv) Trigger(prompt string) (bool, string) {
	if !a.enabled {
		return false, ""
	}
	lower := strings.ToLower(strings.TrimSpace(prompt))

	for _, excl := range researchExclusions {
		if strings.Contains(lower, excl) {
			return false, ""
		}
	}

	var score float64
	for _, kw := range researchKeywords["strong"] {
		if strings.Contains(lower, kw) {
			score += 0.4
		}
	}
	for _, kw := range researchKeywords["medium"] {
		if strings.Contains(lower, kw) {
			score += 0.25
		}
	}
	for _, kw := range researchKeywords["weak"] {
		if strings.Contains(lower, kw) {
			score += 0.1
		}
	}

	if score >= 0.4 {
		return true, prompt
	}
	return false, ""
}

func detectCategory(prompt string) string {
	lower := strings.ToLower(prompt)
	best, bestScore := "", 0
	for cat, keywords := range categoryKeywords {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = cat, score
		}
	}
	if best == "" {
		return "cs"
	}
	return best
}

func buildSearchTerms(query, category string) string {
	words := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) <= 2 {
			continue
		}
		if _, stop := arxivSearchStopWords[w]; stop {
			continue
		}
		terms = append(terms, w)
	}
	if len(terms) > 5 {
		terms = terms[:5]
	}
	joined := strings.Join(terms, " OR ")
	if category != "" {
		return fmt.Sprintf("cat:%s AND (%s)", category, joined)
	}
	return joined
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string         `xml:"title"`
	Summary   string         `xml:"summary"`
	Published string         `xml:"published"`
	ID        string         `xml:"id"`
	Authors   []atomAuthor   `xml:"author"`
	Category  []atomCategory `xml:"category"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

type paper struct {
	Title      string
	Summary    string
	Authors    string
	Published  string
	URL        string
	Categories []string
}

func (a *Arxiv) rawSearch(ctx context.Context, searchTerms string, maxResults int) ([]paper, error) {
	params := url.Values{}
	params.Set("search_query", searchTerms)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(maxResults))
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")

	var body []byte
	result := retry.Do(ctx, retry.HTTPConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+params.Encode(), nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return retry.WrapHTTPStatus(resp.StatusCode, fmt.Errorf("arxiv query: status %d", resp.StatusCode))
		}
		body = b
		return nil
	})
	if result.Err != nil {
		return nil, result.Err
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse arxiv response: %w", err)
	}

	papers := make([]paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		title := cleanForAPI(strings.ReplaceAll(e.Title, "\n", " "))
		if title == "" {
			title = "No title"
		}
		summary := cleanForAPI(strings.ReplaceAll(e.Summary, "\n", " "))
		if summary == "" {
			summary = "No summary"
		} else if len(summary) > 300 {
			summary = summary[:300] + "..."
		}
		published := "Unknown"
		if len(e.Published) >= 10 {
			published = e.Published[:10]
		}

		var authorNames []string
		for _, au := range e.Authors {
			if au.Name != "" {
				authorNames = append(authorNames, au.Name)
			}
		}
		authorText := strings.Join(firstN(authorNames, 3), ", ")
		if len(authorNames) > 3 {
			authorText += " et al."
		}

		var cats []string
		for _, c := range e.Category {
			if c.Term != "" {
				cats = append(cats, c.Term)
			}
		}
		cats = firstN(cats, 3)

		papers = append(papers, paper{
			Title:      title,
			Summary:    summary,
			Authors:    authorText,
			Published:  published,
			URL:        e.ID,
			Categories: cats,
		})
	}
	return papers, nil
}

var unicodeCleanupReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, // smart double quotes
	"‘", "'", "’", "'", // smart single quotes
	"–", "-", "—", "-", // en/em dash
	"…", "...", // ellipsis
	" ", " ",   // non-breaking space
	" ", "\n", " ", "\n\n", // line/paragraph separators
)

var collapseSpacesPattern = regexp.MustCompile(` {2,}`)

// cleanForAPI strips the Unicode punctuation and stray control characters
// that have been observed to trip up the agent platform's API, mirroring
// arxiv_integration.py's clean_content_for_api.
func cleanForAPI(s string) string {
	cleaned := unicodeCleanupReplacer.Replace(s)
	cleaned = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' || r >= 32 {
			return r
		}
		return -1
	}, cleaned)
	cleaned = collapseSpacesPattern.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// search performs a category-scoped search, falling back to an
// unscoped search when the scoped one returns no papers.
func (a *Arxiv) search(ctx context.Context, query, category string) ([]paper, error) {
	const maxResults = 5

	if category != "" {
		papers, err := a.rawSearch(ctx, buildSearchTerms(query, category), maxResults)
		if err == nil && len(papers) > 0 {
			return papers, nil
		}
	}
	return a.rawSearch(ctx, buildSearchTerms(query, ""), maxResults)
}

// Fetch runs the search for a query already approved by Trigger and
// renders the result block.
func (a *Arxiv) Fetch(ctx context.Context, query string) (string, bool) {
	category := detectCategory(query)
	papers, err := a.search(ctx, query, category)
	if err != nil {
		return "", false
	}

	if len(papers) == 0 {
		return fmt.Sprintf(
			"**Recent Research Papers (arXiv)**\n\n*No papers found for query: %s*\n*This may indicate the query is too specific or uses different terminology.*",
			query,
		), false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Recent Research Papers (arXiv)**\n\n*Found %d recent papers relevant to: %s*\n*Search confidence: 0.80*\n\n", len(papers), query)
	for i, p := range papers {
		fmt.Fprintf(&b, "**%d. %s**\n", i+1, p.Title)
		fmt.Fprintf(&b, "   Authors: %s\n", p.Authors)
		fmt.Fprintf(&b, "   Published: %s\n", p.Published)
		fmt.Fprintf(&b, "   Categories: %s\n", strings.Join(p.Categories, ", "))
		fmt.Fprintf(&b, "   Summary: %s\n", p.Summary)
		fmt.Fprintf(&b, "   URL: %s\n\n", p.URL)
	}

	return strings.TrimRight(b.String(), "\n"), true
}

// AgentRegistry searches the vector-indexed agent directory for agents
// relevant to the prompt.
type AgentRegistry struct {
	client    *httpx.Client
	maxAgents int
	minScore  float64
}

// NewAgentRegistry builds an AgentRegistry adapter over client.
func NewAgentRegistry(client *httpx.Client, maxAgents int, minScore float64) *AgentRegistry {
	return &AgentRegistry{client: client, maxAgents: maxAgents, minScore: minScore}
}

type registryAgent struct {
	AgentID   string  `json:"agent_id"`
	Name      string  `json:"name"`
	Relevance float64 `json:"relevance"`
}

type registrySearchEnvelope struct {
	Agents []registryAgent `json:"agents"`
}

func decodeRegistryAgents(raw json.RawMessage) []registryAgent {
	if len(raw) == 0 {
		return nil
	}
	var wrapped registrySearchEnvelope
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Agents) > 0 {
		return wrapped.Agents
	}
	var bare []registryAgent
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare
	}
	return nil
}

// Fetch is always triggered when prompt is non-empty. On error it
// returns a one-line human-readable message rather than failing.
func (r *AgentRegistry) Fetch(ctx context.Context, prompt string) string {
	if strings.TrimSpace(prompt) == "" {
		return ""
	}

	path := fmt.Sprintf("/agents/search?query=%s&limit=%d&min_score=%s",
		url.QueryEscape(prompt), r.maxAgents, strconv.FormatFloat(r.minScore, 'f', -1, 64))

	var raw json.RawMessage
	if _, err := r.client.Do(ctx, httpx.Request{Method: http.MethodGet, Path: path}, &raw); err != nil {
		return fmt.Sprintf("Error retrieving available agents: %v", err)
	}

	agents := decodeRegistryAgents(raw)
	if len(agents) == 0 {
		return "No other agents currently available."
	}

	var b strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s (%s) [relevance: %.2f]\n", a.Name, a.AgentID, a.Relevance)
	}
	b.WriteString("\nMessage any of these agents directly by addressing their agent_id.")
	return b.String()
}

// Enricher composes the knowledge-graph and arXiv sources into the
// single merged context string used for the graphiti_context block.
type Enricher struct {
	kg    *KnowledgeGraph
	arxiv *Arxiv
}

// NewEnricher builds an Enricher over the given sources.
func NewEnricher(kg *KnowledgeGraph, arxiv *Arxiv) *Enricher {
	return &Enricher{kg: kg, arxiv: arxiv}
}

// Enrich runs knowledge-graph search unconditionally and arXiv search
// when triggered, concurrently, and merges their rendered strings. A
// source whose call fails contributes nothing; a source that ran but found
// no results contributes its human-readable "nothing found" message.
func (e *Enricher) Enrich(ctx context.Context, prompt string) string {
	var wg sync.WaitGroup
	var kgText, arxivText string

	wg.Add(1)
	go func() {
		defer wg.Done()
		kgText, _ = e.kg.Fetch(ctx, prompt)
	}()

	if should, query := e.arxiv.Trigger(prompt); should {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arxivText, _ = e.arxiv.Fetch(ctx, query)
		}()
	}

	wg.Wait()

	parts := make([]string, 0, 2)
	if strings.TrimSpace(kgText) != "" {
		parts = append(parts, kgText)
	}
	if strings.TrimSpace(arxivText) != "" {
		parts = append(parts, arxivText)
	}
	return strings.Join(parts, "\n\n")
}
