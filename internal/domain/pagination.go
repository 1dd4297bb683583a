package domain

// Pagination defaults shared by every paginated operation.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ValidatePage checks page >= 1 and 1 <= pageSize <= MaxPageSize.
func ValidatePage(page, pageSize int) error {
	if page < 1 {
		return NewValidationError("page must be greater than or equal to 1")
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return NewValidationError("page_size must be between 1 and %d", MaxPageSize)
	}
	return nil
}

// TotalPages returns ceil(total/pageSize), never less than 1.
func TotalPages(total int64, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 1
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}

// Offset returns the number of items before page.
func Offset(page, pageSize int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * pageSize
}

// PageSlice returns the bounds of page within a list of n items.
func PageSlice(n, page, pageSize int) (start, end int) {
	start = Offset(page, pageSize)
	if start > n {
		start = n
	}
	end = start + pageSize
	if end > n {
		end = n
	}
	return start, end
}
