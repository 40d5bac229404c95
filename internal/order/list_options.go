package order

import "strings"

// SortOrder defines how results should be ordered when listing orders.
type SortOrder int

const (
	// SortByUpdatedDesc orders by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByNextDueAsc orders by NextDueAt ascending (soonest due first).
	SortByNextDueAsc
)

// ListOptions controls how orders are selected when querying the store.
type ListOptions struct {
	Limit       int
	Offset      int
	Statuses    []Status
	UserAddress string
	DueBefore   int64
	Order       SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	opts.UserAddress = strings.TrimSpace(opts.UserAddress)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of orders returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching orders.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters orders by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithUserAddress filters orders by owning user address.
func WithUserAddress(addr string) ListOption {
	return func(opts *ListOptions) {
		opts.UserAddress = addr
	}
}

// WithDueBefore filters orders whose next due time is at or before ts.
func WithDueBefore(ts int64) ListOption {
	return func(opts *ListOptions) {
		opts.DueBefore = ts
	}
}

// WithSortOrder changes the returned order of results.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
