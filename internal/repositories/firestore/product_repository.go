package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/shopkit/api/internal/domain"
	pfirestore "github.com/shopkit/api/internal/platform/firestore"
	"github.com/shopkit/api/internal/repositories"
)

const (
	productCollection     = "products"
	productSlugCollection = "productSlugs"

	// Firestore allows at most ten disjunction terms per query.
	maxKeywordTerms = 10
)

// productSortFields maps API sort keys onto document field paths. Unknown
// keys fall back to creation time.
var productSortFields = map[string]string{
	"price":       "price",
	"created_at":  "createdAt",
	"updated_at":  "updatedAt",
	"sales_count": "salesCount",
	"rating":      "rating",
	"views":       "views",
	"name":        "name",
}

// ProductRepository persists catalog records in Firestore. Slug uniqueness is
// enforced through a claim document keyed by the slug, created in the same
// transaction as the product itself.
type ProductRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[productDocument]
	slugs    *pfirestore.BaseRepository[slugClaimDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil)
	slugs := pfirestore.NewBaseRepository[slugClaimDocument](provider, productSlugCollection, nil, nil)
	return &ProductRepository{provider: provider, base: base, slugs: slugs}, nil
}

// Insert creates the product and claims its slug. A claimed slug surfaces as
// a conflict so callers can retry with a suffixed candidate.
func (r *ProductRepository) Insert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	if strings.TrimSpace(product.ID) == "" {
		return domain.Product{}, errors.New("product insert: id is required")
	}
	slug := strings.TrimSpace(product.Slug)
	if slug == "" {
		return domain.Product{}, errors.New("product insert: slug is required")
	}

	doc := newProductDocument(product)
	err := r.runWrite(ctx, func(ctx context.Context) error {
		productRef, err := r.base.DocumentRef(ctx, product.ID)
		if err != nil {
			return err
		}
		claimRef, err := r.slugs.DocumentRef(ctx, slug)
		if err != nil {
			return err
		}
		if err := createDocument(ctx, claimRef, slugClaimDocument{ProductRef: product.ID, ClaimedAt: doc.CreatedAt}); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return status.Errorf(codes.AlreadyExists, "slug %s already claimed", slug)
			}
			return err
		}
		return createDocument(ctx, productRef, doc)
	})
	if err != nil {
		return domain.Product{}, wrapProductError("products.insert", err)
	}
	return doc.toDomain(product.ID), nil
}

// Update overwrites the stored product. The slug is immutable after creation,
// so the claim document stays as it is.
func (r *ProductRepository) Update(ctx context.Context, product domain.Product) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	if strings.TrimSpace(product.ID) == "" {
		return domain.Product{}, errors.New("product update: id is required")
	}

	doc := newProductDocument(product)
	err := r.runWrite(ctx, func(ctx context.Context) error {
		productRef, err := r.base.DocumentRef(ctx, product.ID)
		if err != nil {
			return err
		}
		if _, err := getDocument(ctx, productRef); err != nil {
			return err
		}
		return setDocument(ctx, productRef, doc)
	})
	if err != nil {
		return domain.Product{}, wrapProductError("products.update", err)
	}
	return doc.toDomain(product.ID), nil
}

// FindByID loads a product by its identifier. Soft-deleted products stay
// readable here; visibility rules live in the service layer.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product id is required")
	}

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.base.DocumentRef(ctx, productID)
		if err != nil {
			return domain.Product{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.Product{}, wrapProductError("products.findByID", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Product{}, fmt.Errorf("decode product %s: %w", productID, err)
		}
		return doc.toDomain(productID), nil
	}

	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, wrapProductError("products.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindBySlug resolves a product through its slug claim.
func (r *ProductRepository) FindBySlug(ctx context.Context, slug string) (domain.Product, error) {
	if r == nil || r.slugs == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return domain.Product{}, errors.New("product slug is required")
	}

	claim, err := r.slugs.Get(ctx, slug)
	if err != nil {
		return domain.Product{}, wrapProductError("products.findBySlug", err)
	}
	return r.FindByID(ctx, claim.Data.ProductRef)
}

// SlugExists reports whether the slug is claimed by a product other than
// excludeID.
func (r *ProductRepository) SlugExists(ctx context.Context, slug string, excludeID string) (bool, error) {
	if r == nil || r.slugs == nil {
		return false, errors.New("product repository not initialised")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return false, nil
	}

	claim, err := r.slugs.Get(ctx, slug)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return false, nil
		}
		return false, wrapProductError("products.slugExists", err)
	}
	if excludeID != "" && claim.Data.ProductRef == excludeID {
		return false, nil
	}
	return true, nil
}

// List returns a filtered, sorted catalog page. Soft-deleted products are
// always excluded. A price range forces ordering by price because the range
// field has to lead the ordering; other sort keys apply when no range is set.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, wrapProductError("products.list", err)
	}

	query := client.Collection(productCollection).Query.Where("isDeleted", "==", false)
	if category := strings.TrimSpace(filter.Category); category != "" {
		query = query.Where("category", "==", category)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query = query.Where("status", "in", statuses)
	} else if !filter.IncludeInactive {
		query = query.Where("status", "in", []string{string(domain.ProductStatusActive), string(domain.ProductStatusOutOfStock)})
	}

	hasPriceRange := filter.Price.From != nil || filter.Price.To != nil
	if filter.Price.From != nil {
		query = query.Where("price", ">=", *filter.Price.From)
	}
	if filter.Price.To != nil {
		query = query.Where("price", "<=", *filter.Price.To)
	}

	// One array membership clause per query; tags win and search falls back
	// to an in-memory match on the fetched page.
	searchTerms := keywordTerms(filter.Search)
	searchInQuery := len(searchTerms) > 0
	if len(filter.Tags) > 0 {
		query = query.Where("tags", "array-contains-any", trimAll(filter.Tags))
		searchInQuery = false
	} else if searchInQuery {
		query = query.Where("keywords", "array-contains-any", searchTerms)
	}

	sortField, direction := productSort(filter.SortBy, filter.Order)
	if hasPriceRange {
		sortField = "price"
	}
	query = query.OrderBy(sortField, direction).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodePageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, wrapProductError("products.list", err)
		}
		cursor, err := productCursorValue(sortField, decoded)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, wrapProductError("products.list", err)
		}
		query = query.StartAfter(cursor, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var products []domain.Product
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Product]{}, wrapProductError("products.list", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		product := doc.toDomain(snap.Ref.ID)
		if !searchInQuery && len(searchTerms) > 0 && !matchesSearch(product, searchTerms) {
			continue
		}
		products = append(products, product)
	}

	hasMore := len(products) > pageSize
	if hasMore {
		products = products[:pageSize]
	}
	var nextToken string
	if hasMore && len(products) > 0 {
		last := products[len(products)-1]
		encoded, err := encodePageToken(pageToken{ID: last.ID, Value: productCursorString(sortField, last)})
		if err != nil {
			return domain.CursorPage[domain.Product]{}, wrapProductError("products.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Product]{Items: products, NextPageToken: nextToken}, nil
}

// Categories lists the distinct categories across live products.
func (r *ProductRepository) Categories(ctx context.Context) ([]string, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("product repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapProductError("products.categories", err)
	}

	iter := client.Collection(productCollection).
		Where("isDeleted", "==", false).
		Select("category").
		Documents(ctx)
	defer iter.Stop()

	seen := make(map[string]struct{})
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapProductError("products.categories", err)
		}
		raw, err := snap.DataAt("category")
		if err != nil {
			continue
		}
		category, _ := raw.(string)
		category = strings.TrimSpace(category)
		if category == "" {
			continue
		}
		seen[category] = struct{}{}
	}

	categories := make([]string, 0, len(seen))
	for category := range seen {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories, nil
}

// IncrementViews bumps the view counter without touching updatedAt, so
// browsing never reorders recently-updated listings.
func (r *ProductRepository) IncrementViews(ctx context.Context, productID string) error {
	if r == nil || r.base == nil {
		return errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return errors.New("product id is required")
	}

	ref, err := r.base.DocumentRef(ctx, productID)
	if err != nil {
		return err
	}
	if err := updateDocument(ctx, ref, []firestore.Update{{Path: "views", Value: firestore.Increment(1)}}); err != nil {
		return wrapProductError("products.incrementViews", err)
	}
	return nil
}

// SoftDelete hides the product from every listing while keeping the document
// for orders that reference it.
func (r *ProductRepository) SoftDelete(ctx context.Context, productID string, actorID string, deletedAt time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return errors.New("product id is required")
	}

	ref, err := r.base.DocumentRef(ctx, productID)
	if err != nil {
		return err
	}
	updates := []firestore.Update{
		{Path: "isDeleted", Value: true},
		{Path: "status", Value: string(domain.ProductStatusInactive)},
		{Path: "deletedBy", Value: strings.TrimSpace(actorID)},
		{Path: "deletedAt", Value: deletedAt.UTC()},
		{Path: "updatedAt", Value: deletedAt.UTC()},
	}
	if err := updateDocument(ctx, ref, updates); err != nil {
		return wrapProductError("products.softDelete", err)
	}
	return nil
}

func (r *ProductRepository) runWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(withTx(ctx, tx))
	})
}

// Helper structures ---------------------------------------------------------

type productDocument struct {
	Name        string            `firestore:"name"`
	Description string            `firestore:"description,omitempty"`
	Price       float64           `firestore:"price"`
	Stock       int               `firestore:"stock"`
	Category    string            `firestore:"category"`
	Tags        []string          `firestore:"tags,omitempty"`
	Images      []string          `firestore:"images,omitempty"`
	Status      string            `firestore:"status"`
	Slug        string            `firestore:"slug"`
	Keywords    []string          `firestore:"keywords,omitempty"`
	Views       int64             `firestore:"views"`
	SalesCount  int64             `firestore:"salesCount"`
	Rating      float64           `firestore:"rating"`
	IsDeleted   bool              `firestore:"isDeleted"`
	CreatedBy   string            `firestore:"createdBy,omitempty"`
	DeletedBy   string            `firestore:"deletedBy,omitempty"`
	DeletedAt   *time.Time        `firestore:"deletedAt,omitempty"`
	CreatedAt   time.Time         `firestore:"createdAt"`
	UpdatedAt   time.Time         `firestore:"updatedAt"`
}

// refreshAvailability flips the product between active and out-of-stock as
// the stock counter moves. Inactive products are left alone.
func (d *productDocument) refreshAvailability() {
	switch {
	case d.Status == string(domain.ProductStatusActive) && d.Stock == 0:
		d.Status = string(domain.ProductStatusOutOfStock)
	case d.Status == string(domain.ProductStatusOutOfStock) && d.Stock > 0:
		d.Status = string(domain.ProductStatusActive)
	}
}

type slugClaimDocument struct {
	ProductRef string    `firestore:"productRef"`
	ClaimedAt  time.Time `firestore:"claimedAt"`
}

func newProductDocument(product domain.Product) productDocument {
	doc := productDocument{
		Name:        strings.TrimSpace(product.Name),
		Description: product.Description,
		Price:       product.Price,
		Stock:       product.Stock,
		Category:    strings.TrimSpace(product.Category),
		Tags:        trimAll(product.Tags),
		Images:      trimAll(product.Images),
		Status:      string(product.Status),
		Slug:        strings.TrimSpace(product.Slug),
		Views:       product.Views,
		SalesCount:  product.SalesCount,
		Rating:      product.Rating,
		IsDeleted:   product.IsDeleted,
		CreatedBy:   strings.TrimSpace(product.CreatedBy),
		CreatedAt:   product.CreatedAt.UTC(),
		UpdatedAt:   product.UpdatedAt.UTC(),
	}
	doc.Keywords = buildKeywords(doc.Name, doc.Category, doc.Tags)
	return doc
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        d.Name,
		Description: d.Description,
		Price:       d.Price,
		Stock:       d.Stock,
		Category:    d.Category,
		Tags:        d.Tags,
		Images:      d.Images,
		Status:      domain.ProductStatus(d.Status),
		Slug:        d.Slug,
		Views:       d.Views,
		SalesCount:  d.SalesCount,
		Rating:      d.Rating,
		IsDeleted:   d.IsDeleted,
		CreatedBy:   d.CreatedBy,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// buildKeywords tokenises the searchable text so free-text queries can use
// an array membership clause.
func buildKeywords(name, category string, tags []string) []string {
	seen := make(map[string]struct{})
	add := func(value string) {
		for _, token := range strings.Fields(strings.ToLower(value)) {
			if len(token) < 2 {
				continue
			}
			seen[token] = struct{}{}
		}
	}
	add(name)
	add(category)
	for _, tag := range tags {
		add(tag)
	}
	if len(seen) == 0 {
		return nil
	}
	keywords := make([]string, 0, len(seen))
	for token := range seen {
		keywords = append(keywords, token)
	}
	sort.Strings(keywords)
	return keywords
}

func keywordTerms(search string) []string {
	terms := strings.Fields(strings.ToLower(strings.TrimSpace(search)))
	if len(terms) > maxKeywordTerms {
		terms = terms[:maxKeywordTerms]
	}
	return terms
}

func matchesSearch(product domain.Product, terms []string) bool {
	haystack := strings.ToLower(product.Name + " " + product.Category + " " + strings.Join(product.Tags, " "))
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

func productSort(sortBy string, order domain.SortOrder) (string, firestore.Direction) {
	field, ok := productSortFields[strings.TrimSpace(sortBy)]
	if !ok {
		field = "createdAt"
	}
	direction := firestore.Desc
	if order == domain.SortAsc {
		direction = firestore.Asc
	}
	return field, direction
}

func productCursorValue(sortField string, token *pageToken) (any, error) {
	switch sortField {
	case "createdAt", "updatedAt":
		return token.timeValue()
	case "price", "rating":
		return token.floatValue()
	case "views", "salesCount":
		return token.intValue()
	default:
		return token.Value, nil
	}
}

func productCursorString(sortField string, product domain.Product) string {
	switch sortField {
	case "createdAt":
		return product.CreatedAt.UTC().Format(time.RFC3339Nano)
	case "updatedAt":
		return product.UpdatedAt.UTC().Format(time.RFC3339Nano)
	case "price":
		return fmt.Sprintf("%g", product.Price)
	case "rating":
		return fmt.Sprintf("%g", product.Rating)
	case "views":
		return fmt.Sprintf("%d", product.Views)
	case "salesCount":
		return fmt.Sprintf("%d", product.SalesCount)
	default:
		return product.Name
	}
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func wrapProductError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr *pfirestore.Error
	if errors.As(err, &repoErr) {
		return repoErr
	}
	return pfirestore.WrapError(op, err)
}
