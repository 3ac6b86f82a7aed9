package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/platform/textutil"
	"github.com/shopkit/api/internal/repositories"
)

const (
	productIDPrefix = "prd_"

	maxProductNameLength = 200
	maxProductTags       = 20
	maxProductImages     = 10
	maxSlugAttempts      = 5
)

var (
	// ErrProductInvalidInput signals the caller provided invalid data.
	ErrProductInvalidInput = errors.New("product: invalid input")
	// ErrProductNotFound indicates the product could not be located.
	ErrProductNotFound = errors.New("product: not found")
	// ErrProductForbidden indicates the actor may not manage the product.
	ErrProductForbidden = errors.New("product: forbidden")
	// ErrProductConflict indicates a slug collision that survived retries.
	ErrProductConflict = errors.New("product: conflict")

	errUploadSignerUnavailable = errors.New("product: upload signer not configured")
)

var validProductStatuses = map[domain.ProductStatus]bool{
	domain.ProductStatusActive:     true,
	domain.ProductStatusInactive:   true,
	domain.ProductStatusOutOfStock: true,
}

var allowedImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// ProductServiceDeps bundles collaborators required to construct the product service.
type ProductServiceDeps struct {
	Products    repositories.ProductRepository
	Inventory   repositories.InventoryLedger
	Uploads     UploadSigner
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type productService struct {
	products  repositories.ProductRepository
	inventory repositories.InventoryLedger
	uploads   UploadSigner
	sanitizer *bluemonday.Policy
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewProductService wires dependencies into a concrete ProductService implementation.
func NewProductService(deps ProductServiceDeps) (ProductService, error) {
	if deps.Products == nil {
		return nil, errors.New("product service: product repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("product service: inventory ledger is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &productService{
		products:  deps.Products,
		inventory: deps.Inventory,
		uploads:   deps.Uploads,
		sanitizer: bluemonday.UGCPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *productService) Create(ctx context.Context, cmd CreateProductCommand) (Product, error) {
	if !canManageCatalog(cmd.Actor) {
		return Product{}, fmt.Errorf("%w: catalog management requires the admin or vendor role", ErrProductForbidden)
	}

	name := strings.TrimSpace(cmd.Name)
	if name == "" || len(name) > maxProductNameLength {
		return Product{}, fmt.Errorf("%w: name must be 1-%d characters", ErrProductInvalidInput, maxProductNameLength)
	}
	if cmd.Price < 0 {
		return Product{}, fmt.Errorf("%w: price cannot be negative", ErrProductInvalidInput)
	}
	if cmd.Stock < 0 {
		return Product{}, fmt.Errorf("%w: stock cannot be negative", ErrProductInvalidInput)
	}
	category := strings.TrimSpace(cmd.Category)
	if category == "" {
		return Product{}, fmt.Errorf("%w: category is required", ErrProductInvalidInput)
	}
	if len(cmd.Tags) > maxProductTags {
		return Product{}, fmt.Errorf("%w: at most %d tags allowed", ErrProductInvalidInput, maxProductTags)
	}
	if len(cmd.Images) > maxProductImages {
		return Product{}, fmt.Errorf("%w: at most %d images allowed", ErrProductInvalidInput, maxProductImages)
	}

	status := cmd.Status
	if status == "" {
		status = domain.ProductStatusActive
	}
	if !validProductStatuses[status] {
		return Product{}, fmt.Errorf("%w: unknown status %q", ErrProductInvalidInput, status)
	}
	if status == domain.ProductStatusActive && cmd.Stock == 0 {
		status = domain.ProductStatusOutOfStock
	}

	baseSlug := textutil.Slugify(name)
	if baseSlug == "" {
		return Product{}, fmt.Errorf("%w: name does not produce a usable slug", ErrProductInvalidInput)
	}

	now := s.now()
	product := Product{
		ID:          productIDPrefix + s.newID(),
		Name:        name,
		Description: s.sanitizer.Sanitize(strings.TrimSpace(cmd.Description)),
		Price:       round2(cmd.Price),
		Stock:       cmd.Stock,
		Category:    category,
		Tags:        normalizeTags(cmd.Tags),
		Images:      trimStrings(cmd.Images),
		Status:      status,
		CreatedBy:   cmd.Actor.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Slug uniqueness is enforced by the claim on insert; on collision retry
	// with a random suffix instead of failing the create outright.
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		product.Slug = baseSlug
		if attempt > 0 {
			product.Slug = baseSlug + "-" + slugSuffix(s.newID())
		}

		inserted, err := s.products.Insert(ctx, domain.Product(product))
		if err == nil {
			return inserted, nil
		}

		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() && attempt < maxSlugAttempts-1 {
			s.logger(ctx, "product.slug.conflict", map[string]any{
				"slug":    product.Slug,
				"attempt": attempt + 1,
			})
			continue
		}
		return Product{}, s.mapRepositoryError(err)
	}

	return Product{}, fmt.Errorf("%w: could not allocate a unique slug for %q", ErrProductConflict, baseSlug)
}

func (s *productService) GetByID(ctx context.Context, productID string, opts ProductReadOptions) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}

	if opts.IncrementViews {
		if err := s.products.IncrementViews(ctx, productID); err != nil {
			// A lost view count never blocks the read.
			s.logger(ctx, "product.views.increment.failed", map[string]any{
				"product": productID,
				"error":   err.Error(),
			})
		}
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	if product.IsDeleted {
		return Product{}, fmt.Errorf("%w: product %s", ErrProductNotFound, productID)
	}
	return product, nil
}

func (s *productService) GetBySlug(ctx context.Context, slug string) (Product, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Product{}, fmt.Errorf("%w: slug is required", ErrProductInvalidInput)
	}

	product, err := s.products.FindBySlug(ctx, slug)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	if product.IsDeleted {
		return Product{}, fmt.Errorf("%w: product %s", ErrProductNotFound, slug)
	}
	return product, nil
}

func (s *productService) List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error) {
	page, err := s.products.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Product]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *productService) Update(ctx context.Context, cmd UpdateProductCommand) (Product, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	if err := authorizeProductManage(product, cmd.Actor); err != nil {
		return Product{}, err
	}

	if cmd.Name != nil {
		name := strings.TrimSpace(*cmd.Name)
		if name == "" || len(name) > maxProductNameLength {
			return Product{}, fmt.Errorf("%w: name must be 1-%d characters", ErrProductInvalidInput, maxProductNameLength)
		}
		// Renames keep the original slug; published product URLs stay valid.
		product.Name = name
	}
	if cmd.Description != nil {
		product.Description = s.sanitizer.Sanitize(strings.TrimSpace(*cmd.Description))
	}
	if cmd.Price != nil {
		if *cmd.Price < 0 {
			return Product{}, fmt.Errorf("%w: price cannot be negative", ErrProductInvalidInput)
		}
		product.Price = round2(*cmd.Price)
	}
	if cmd.Category != nil {
		category := strings.TrimSpace(*cmd.Category)
		if category == "" {
			return Product{}, fmt.Errorf("%w: category cannot be empty", ErrProductInvalidInput)
		}
		product.Category = category
	}
	if cmd.Tags != nil {
		if len(*cmd.Tags) > maxProductTags {
			return Product{}, fmt.Errorf("%w: at most %d tags allowed", ErrProductInvalidInput, maxProductTags)
		}
		product.Tags = normalizeTags(*cmd.Tags)
	}
	if cmd.Images != nil {
		if len(*cmd.Images) > maxProductImages {
			return Product{}, fmt.Errorf("%w: at most %d images allowed", ErrProductInvalidInput, maxProductImages)
		}
		product.Images = trimStrings(*cmd.Images)
	}
	if cmd.Status != nil {
		if !validProductStatuses[*cmd.Status] {
			return Product{}, fmt.Errorf("%w: unknown status %q", ErrProductInvalidInput, *cmd.Status)
		}
		product.Status = *cmd.Status
	}
	if cmd.Rating != nil {
		if *cmd.Rating < 0 || *cmd.Rating > 5 {
			return Product{}, fmt.Errorf("%w: rating must be between 0 and 5", ErrProductInvalidInput)
		}
		product.Rating = *cmd.Rating
	}

	if product.Status == domain.ProductStatusActive && product.Stock == 0 {
		product.Status = domain.ProductStatusOutOfStock
	}
	product.UpdatedAt = s.now()

	updated, err := s.products.Update(ctx, product)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *productService) UpdateStock(ctx context.Context, cmd UpdateStockCommand) (Product, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}
	if cmd.Delta == 0 {
		return Product{}, fmt.Errorf("%w: stock delta cannot be zero", ErrProductInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	if err := authorizeProductManage(product, cmd.Actor); err != nil {
		return Product{}, err
	}

	newStock := product.Stock + cmd.Delta
	if newStock < 0 {
		return Product{}, fmt.Errorf("%w: insufficient stock for product %s (available: %d, required: %d)",
			ErrProductInvalidInput, productID, product.Stock, -cmd.Delta)
	}

	product.Stock = newStock
	switch {
	case product.Status == domain.ProductStatusActive && newStock == 0:
		product.Status = domain.ProductStatusOutOfStock
	case product.Status == domain.ProductStatusOutOfStock && newStock > 0:
		product.Status = domain.ProductStatusActive
	}
	product.UpdatedAt = s.now()

	updated, err := s.products.Update(ctx, product)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *productService) CheckStockAvailable(ctx context.Context, productID string, quantity int) (bool, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return false, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}
	if quantity <= 0 {
		return false, fmt.Errorf("%w: quantity must be > 0", ErrProductInvalidInput)
	}

	available, err := s.inventory.Available(ctx, productID)
	if err != nil {
		return false, s.mapRepositoryError(err)
	}
	return available >= quantity, nil
}

func (s *productService) Categories(ctx context.Context) ([]string, error) {
	categories, err := s.products.Categories(ctx)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return categories, nil
}

func (s *productService) SoftDelete(ctx context.Context, cmd DeleteProductCommand) error {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if err := authorizeProductManage(product, cmd.Actor); err != nil {
		return err
	}

	if err := s.products.SoftDelete(ctx, productID, cmd.Actor.UserID, s.now()); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *productService) ImageUploadURL(ctx context.Context, cmd ImageUploadCommand) (SignedUpload, error) {
	if s.uploads == nil {
		return SignedUpload{}, errUploadSignerUnavailable
	}
	if !canManageCatalog(cmd.Actor) {
		return SignedUpload{}, fmt.Errorf("%w: catalog management requires the admin or vendor role", ErrProductForbidden)
	}

	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return SignedUpload{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}
	ext := strings.ToLower(path.Ext(strings.TrimSpace(cmd.FileName)))
	if !allowedImageExtensions[ext] {
		return SignedUpload{}, fmt.Errorf("%w: unsupported image extension %q", ErrProductInvalidInput, ext)
	}
	contentType := strings.TrimSpace(cmd.ContentType)
	if !strings.HasPrefix(contentType, "image/") {
		return SignedUpload{}, fmt.Errorf("%w: content type must be an image", ErrProductInvalidInput)
	}

	if _, err := s.products.FindByID(ctx, productID); err != nil {
		return SignedUpload{}, s.mapRepositoryError(err)
	}

	object := fmt.Sprintf("products/%s/%s%s", productID, strings.ToLower(s.newID()), ext)
	signed, err := s.uploads.SignUpload(ctx, object, contentType)
	if err != nil {
		return SignedUpload{}, fmt.Errorf("product: sign upload: %w", err)
	}
	return signed, nil
}

func (s *productService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrProductNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrProductConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("product: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *productService) now() time.Time {
	return s.clock()
}

func canManageCatalog(actor Actor) bool {
	return actor.Role == domain.RoleAdmin || actor.Role == domain.RoleVendor
}

func authorizeProductManage(product domain.Product, actor Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.Role == domain.RoleVendor && product.CreatedBy == actor.UserID {
		return nil
	}
	return fmt.Errorf("%w: product belongs to another vendor", ErrProductForbidden)
}

func normalizeTags(tags []string) []string {
	result := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		result = append(result, tag)
	}
	return result
}

func trimStrings(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func slugSuffix(id string) string {
	id = strings.ToLower(id)
	if len(id) <= 6 {
		return id
	}
	return id[len(id)-6:]
}
