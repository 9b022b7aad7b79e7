package analytics

// Page is one page of an ordered listing plus the total it was cut from.
type Page[T any] struct {
	Items  []T `json:"items" yaml:"items"`
	Total  int `json:"total" yaml:"total"`
	Limit  int `json:"limit" yaml:"limit"`
	Offset int `json:"offset" yaml:"offset"`
	Pages  int `json:"pages" yaml:"pages"`
}

// Paginate cuts items[offset:offset+limit]. A non-positive limit returns
// everything from offset on.
func Paginate[T any](items []T, limit, offset int) Page[T] {
	total := len(items)
	offset = max(offset, 0)

	p := Page[T]{
		Total:  total,
		Limit:  limit,
		Offset: offset,
		Pages:  TotalPages(total, limit),
	}

	if offset >= total {
		p.Items = make([]T, 0)

		return p
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	p.Items = items[offset:end]

	return p
}

// TotalPages is the number of pages of the given size needed for total.
// A non-positive size puts everything on one page.
func TotalPages(total, pageSize int) int {
	if total <= 0 {
		return 0
	}

	if pageSize <= 0 {
		return 1
	}

	return (total + pageSize - 1) / pageSize
}
