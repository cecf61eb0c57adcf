package listing

// Page is one page of a listing.
type Page[T any] struct {
	Data []T `json:"data"`

	// Total is the number of matching records, 0 unless the count was
	// requested.
	Total  int64 `json:"total"`
	PageNo int   `json:"pageNo"`
	Limit  int   `json:"limit"`

	// TotalPage is ceil(Total/Limit), 0 unless the count was requested.
	TotalPage int64 `json:"totalPage"`

	// NextHit is the next page number, or 0 on the last page.
	NextHit int `json:"nextHit"`
}

func totalPages(total int64, limit int) int64 {
	if total <= 0 || limit <= 0 {
		return 0
	}
	l := int64(limit)
	return (total + l - 1) / l
}
