// Package testutil provides an httptest stand-in for the GitHub search API.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// SearchPath is the endpoint served by MockGitHub.
const SearchPath = "/search/repositories"

// MockResponse defines the behavior for one mocked search response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Repo is one item of a mocked search page.
type Repo struct {
	Name      string `json:"name"`
	Stars     int    `json:"stargazers_count"`
	Forks     int    `json:"forks_count"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// MockGitHub is a configurable mock search server. Responses are keyed by
// the page query parameter; each page can hold a queue of responses that are
// served in order, the last one repeating.
type MockGitHub struct {
	server *httptest.Server
	mu     sync.Mutex
	pages  map[int][]MockResponse

	// Tracking
	requestCount int
	pageRequests map[int]int
	lastQuery    map[string]string
	lastHeader   http.Header
}

// NewMockGitHub starts a new mock server. Pages without a configured
// response return an empty item list.
func NewMockGitHub() *MockGitHub {
	mock := &MockGitHub{
		pages:        make(map[int][]MockResponse),
		pageRequests: make(map[int]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(SearchPath, mock.handle)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server URL.
func (m *MockGitHub) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGitHub) Close() {
	m.server.Close()
}

// SetPage queues responses for a page. Later calls replace earlier ones.
func (m *MockGitHub) SetPage(page int, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page] = responses
}

// GetRequestCount returns the number of search requests served.
func (m *MockGitHub) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// GetPageRequests returns how often a page was requested.
func (m *MockGitHub) GetPageRequests(page int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageRequests[page]
}

// LastQuery returns the query parameters of the most recent request.
func (m *MockGitHub) LastQuery() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

// LastHeader returns the headers of the most recent request.
func (m *MockGitHub) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

func (m *MockGitHub) handle(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil {
		page = 1
	}

	m.mu.Lock()
	m.requestCount++
	served := m.pageRequests[page]
	m.pageRequests[page]++

	m.lastQuery = make(map[string]string)
	for k := range r.URL.Query() {
		m.lastQuery[k] = r.URL.Query().Get(k)
	}
	m.lastHeader = r.Header.Clone()

	queue := m.pages[page]
	m.mu.Unlock()

	resp := NewSearchResponse()
	if len(queue) > 0 {
		resp = queue[min(served, len(queue)-1)]
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

func quotaHeaders(remaining int) map[string]string {
	return map[string]string{
		"Content-Type":          "application/json; charset=utf-8",
		"X-RateLimit-Limit":     "30",
		"X-RateLimit-Remaining": strconv.Itoa(remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10),
		"X-RateLimit-Resource":  "search",
	}
}

// NewSearchResponse creates a 200 OK search page holding repos.
func NewSearchResponse(repos ...Repo) MockResponse {
	items := repos
	if items == nil {
		items = []Repo{}
	}
	body, err := json.Marshal(map[string]any{
		"total_count":        len(items),
		"incomplete_results": false,
		"items":              items,
	})
	if err != nil {
		panic(fmt.Sprintf("marshal mock search response: %v", err))
	}

	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers:    quotaHeaders(29),
	}
}

// NewRateLimitResponse creates a 403 response with an exhausted quota and a
// Retry-After hint.
func NewRateLimitResponse(retryAfter int) MockResponse {
	headers := quotaHeaders(0)
	headers["Retry-After"] = strconv.Itoa(retryAfter)
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message": "API rate limit exceeded"}`,
		Headers:    headers,
	}
}

// NewTooManyRequestsResponse creates a 429 response.
func NewTooManyRequestsResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message": "secondary rate limit"}`,
		Headers:    quotaHeaders(10),
	}
}

// NewServerErrorResponse creates a 503 Service Unavailable response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"message": "Service unavailable"}`,
		Headers:    quotaHeaders(25),
	}
}

// NewClientErrorResponse creates a 422 Unprocessable Entity response.
func NewClientErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnprocessableEntity,
		Body:       `{"message": "Validation Failed"}`,
		Headers:    quotaHeaders(25),
	}
}

// NewMalformedResponse creates a 200 OK response whose body is not a search
// result.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"total_count": 1, "items": [`,
		Headers:    quotaHeaders(25),
	}
}
