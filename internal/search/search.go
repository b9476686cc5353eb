package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Snippet        string `json:"snippet"`
	CurrentVersion int    `json:"currentVersion"`
}

// Query describes a search request. UserID scopes results to contracts the
// caller participates in; results never leak other users' contracts.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ContractRecord is the data we index for a contract. ParticipantIDs drives
// the per-user access filter.
type ContractRecord struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Content        string   `json:"content"`
	ParticipantIDs []string `json:"participantIds"`
	CurrentVersion int      `json:"currentVersion"`
}
