package types

// Page is one page of a list endpoint.
type Page[T any] struct {
	List  []T   `json:"list"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
}

// HasMore reports whether items exist beyond this page for the given page size.
func (p *Page[T]) HasMore(pageSize int) bool {
	if pageSize <= 0 || p.Page <= 0 {
		return false
	}
	return int64(p.Page*pageSize) < p.Total
}

// BatchResult is returned by batch endpoints.
type BatchResult struct {
	Affected int64  `json:"affected"`
	Message  string `json:"message,omitempty"`
}
