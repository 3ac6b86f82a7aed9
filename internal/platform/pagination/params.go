package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopkit/api/internal/domain"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps the supported pageSize to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize = errors.New("pagination: invalid pageSize")
	ErrInvalidSort     = errors.New("pagination: invalid sort")
	ErrInvalidValue    = errors.New("pagination: invalid query value")
)

// Params bundles paging and sorting values extracted from a request.
type Params struct {
	Pagination domain.Pagination
	SortBy     string
	Order      domain.SortOrder
}

// Options control how Parse behaves for a given handler layer.
type Options struct {
	DefaultPageSize   int
	MaxPageSize       int
	AllowedSortFields []string
}

// FromRequest parses the supported query parameters from the supplied request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse consumes the provided query values and returns the normalised Params
// representation. The pageToken is passed through opaque; the repository layer
// validates it.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	pageSize, err := parsePageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}

	params := Params{
		Pagination: domain.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(values.Get("pageToken")),
		},
	}

	sortBy, order, err := parseSort(values.Get("sortBy"), values.Get("order"), opts.AllowedSortFields)
	if err != nil {
		return Params{}, err
	}
	params.SortBy = sortBy
	params.Order = order

	return params, nil
}

// FloatQuery parses an optional float query parameter, returning nil when absent.
func FloatQuery(values url.Values, key string) (*float64, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a number", ErrInvalidValue, key)
	}
	return &value, nil
}

// TimeQuery parses an optional RFC 3339 timestamp query parameter.
func TimeQuery(values url.Values, key string) (*time.Time, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", ErrInvalidValue, key)
	}
	value = value.UTC()
	return &value, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}

	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}

	if strings.TrimSpace(raw) == "" {
		return defaultPageSize, nil
	}

	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	if value > maxPageSize {
		value = maxPageSize
	}
	return value, nil
}

func parseSort(sortBy, order string, allowed []string) (string, domain.SortOrder, error) {
	sortBy = strings.TrimSpace(sortBy)
	if sortBy == "" {
		if strings.TrimSpace(order) != "" {
			return "", "", fmt.Errorf("%w: order given without sortBy", ErrInvalidSort)
		}
		return "", "", nil
	}
	if len(allowed) == 0 {
		return "", "", fmt.Errorf("%w: sorting not supported", ErrInvalidSort)
	}

	found := false
	for _, field := range allowed {
		if field == sortBy {
			found = true
			break
		}
	}
	if !found {
		return "", "", fmt.Errorf("%w: field %q not sortable", ErrInvalidSort, sortBy)
	}

	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "asc":
		return sortBy, domain.SortAsc, nil
	case "desc":
		return sortBy, domain.SortDesc, nil
	default:
		return "", "", fmt.Errorf("%w: order must be asc or desc", ErrInvalidSort)
	}
}
