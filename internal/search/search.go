package search

// Result is a single issue hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Location string `json:"location"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterStatus   string
	FilterCategory string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Location    string `json:"location"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
}
