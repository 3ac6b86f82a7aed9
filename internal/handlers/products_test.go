package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopkit/api/internal/domain"
	"github.com/shopkit/api/internal/services"
)

type stubProductService struct {
	createFn     func(context.Context, services.CreateProductCommand) (domain.Product, error)
	getFn        func(context.Context, string, services.ProductReadOptions) (domain.Product, error)
	getBySlugFn  func(context.Context, string) (domain.Product, error)
	listFn       func(context.Context, services.ProductListFilter) (domain.CursorPage[domain.Product], error)
	updateFn     func(context.Context, services.UpdateProductCommand) (domain.Product, error)
	stockFn      func(context.Context, services.UpdateStockCommand) (domain.Product, error)
	availableFn  func(context.Context, string, int) (bool, error)
	categoriesFn func(context.Context) ([]string, error)
	deleteFn     func(context.Context, services.DeleteProductCommand) error
	uploadFn     func(context.Context, services.ImageUploadCommand) (services.SignedUpload, error)
}

func (s *stubProductService) Create(ctx context.Context, cmd services.CreateProductCommand) (domain.Product, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubProductService) GetByID(ctx context.Context, productID string, opts services.ProductReadOptions) (domain.Product, error) {
	if s.getFn != nil {
		return s.getFn(ctx, productID, opts)
	}
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubProductService) GetBySlug(ctx context.Context, slug string) (domain.Product, error) {
	if s.getBySlugFn != nil {
		return s.getBySlugFn(ctx, slug)
	}
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubProductService) List(ctx context.Context, filter services.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Product]{}, nil
}

func (s *stubProductService) Update(ctx context.Context, cmd services.UpdateProductCommand) (domain.Product, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubProductService) UpdateStock(ctx context.Context, cmd services.UpdateStockCommand) (domain.Product, error) {
	if s.stockFn != nil {
		return s.stockFn(ctx, cmd)
	}
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubProductService) CheckStockAvailable(ctx context.Context, productID string, quantity int) (bool, error) {
	if s.availableFn != nil {
		return s.availableFn(ctx, productID, quantity)
	}
	return false, errors.New("not implemented")
}

func (s *stubProductService) Categories(ctx context.Context) ([]string, error) {
	if s.categoriesFn != nil {
		return s.categoriesFn(ctx)
	}
	return nil, nil
}

func (s *stubProductService) SoftDelete(ctx context.Context, cmd services.DeleteProductCommand) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubProductService) ImageUploadURL(ctx context.Context, cmd services.ImageUploadCommand) (services.SignedUpload, error) {
	if s.uploadFn != nil {
		return s.uploadFn(ctx, cmd)
	}
	return services.SignedUpload{}, errors.New("not implemented")
}

func newProductTestRouter(svc services.ProductService) chi.Router {
	r := chi.NewRouter()
	handlers := NewProductHandlers(nil, svc)
	r.Route("/products", handlers.Routes)
	return r
}

func sampleProduct() domain.Product {
	created := time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)
	return domain.Product{
		ID:          "prod-1",
		Name:        "Mechanical Keyboard",
		Description: "Tenkeyless, hot-swappable switches",
		Price:       120.0,
		Stock:       40,
		Category:    "peripherals",
		Tags:        []string{"keyboard", "mechanical"},
		Status:      domain.ProductStatusActive,
		Slug:        "mechanical-keyboard",
		Views:       15,
		SalesCount:  3,
		Rating:      4.5,
		CreatedBy:   "admin-1",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestListProductsForwardsFilter(t *testing.T) {
	var received services.ProductListFilter
	svc := &stubProductService{
		listFn: func(_ context.Context, filter services.ProductListFilter) (domain.CursorPage[domain.Product], error) {
			received = filter
			return domain.CursorPage[domain.Product]{Items: []domain.Product{sampleProduct()}, NextPageToken: "token"}, nil
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/products/?category=Peripherals&tags=keyboard,Mechanical&minPrice=50&maxPrice=200&sortBy=price&order=asc&search=keyboard", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.Category != "peripherals" {
		t.Fatalf("expected lowercased category, got %q", received.Category)
	}
	if len(received.Tags) != 2 || received.Tags[1] != "mechanical" {
		t.Fatalf("unexpected tags: %+v", received.Tags)
	}
	if received.Price.From == nil || *received.Price.From != 50 || received.Price.To == nil || *received.Price.To != 200 {
		t.Fatalf("unexpected price range: %+v", received.Price)
	}
	if received.SortBy != "price" || received.Order != domain.SortAsc {
		t.Fatalf("unexpected sort: %q %q", received.SortBy, received.Order)
	}
	if received.Search != "keyboard" {
		t.Fatalf("unexpected search %q", received.Search)
	}

	var resp productListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "token" {
		t.Fatalf("unexpected page: %d items, token %q", len(resp.Items), resp.NextPageToken)
	}
	if resp.Items[0].Slug != "mechanical-keyboard" {
		t.Fatalf("unexpected slug %q", resp.Items[0].Slug)
	}
}

func TestListProductsRejectsBadPrice(t *testing.T) {
	router := newProductTestRouter(&stubProductService{})

	req := httptest.NewRequest(http.MethodGet, "/products/?minPrice=cheap", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetProductIncrementsViews(t *testing.T) {
	svc := &stubProductService{
		getFn: func(_ context.Context, productID string, opts services.ProductReadOptions) (domain.Product, error) {
			if productID != "prod-1" {
				t.Fatalf("unexpected product id %q", productID)
			}
			if !opts.IncrementViews {
				t.Fatal("expected view increment on public read")
			}
			return sampleProduct(), nil
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/products/prod-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestGetProductBySlug(t *testing.T) {
	svc := &stubProductService{
		getBySlugFn: func(_ context.Context, slug string) (domain.Product, error) {
			if slug != "mechanical-keyboard" {
				t.Fatalf("unexpected slug %q", slug)
			}
			return sampleProduct(), nil
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/products/slug/mechanical-keyboard", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestGetProductNotFound(t *testing.T) {
	svc := &stubProductService{
		getFn: func(context.Context, string, services.ProductReadOptions) (domain.Product, error) {
			return domain.Product{}, services.ErrProductNotFound
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/products/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != "product_not_found" {
		t.Fatalf("expected product_not_found, got %q", code)
	}
}

func TestListCategories(t *testing.T) {
	svc := &stubProductService{
		categoriesFn: func(context.Context) ([]string, error) {
			return []string{"accessories", "peripherals"}, nil
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/products/categories", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Categories) != 2 {
		t.Fatalf("unexpected categories: %+v", resp.Categories)
	}
}

func TestCheckAvailability(t *testing.T) {
	svc := &stubProductService{
		availableFn: func(_ context.Context, productID string, quantity int) (bool, error) {
			if productID != "prod-1" || quantity != 3 {
				t.Fatalf("unexpected args: %q %d", productID, quantity)
			}
			return true, nil
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/products/prod-1/availability?quantity=3", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	var resp stockAvailabilityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Available || resp.Quantity != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCheckAvailabilityRejectsBadQuantity(t *testing.T) {
	router := newProductTestRouter(&stubProductService{})

	for _, quantity := range []string{"", "0", "-2", "many"} {
		req := httptest.NewRequest(http.MethodGet, "/products/prod-1/availability?quantity="+quantity, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("quantity %q: expected 400, got %d", quantity, rec.Code)
		}
	}
}

func TestCreateProduct(t *testing.T) {
	var received services.CreateProductCommand
	svc := &stubProductService{
		createFn: func(_ context.Context, cmd services.CreateProductCommand) (domain.Product, error) {
			received = cmd
			return sampleProduct(), nil
		},
	}
	router := newProductTestRouter(svc)

	body := `{"name":"Mechanical Keyboard","description":"TKL","price":120,"stock":40,"category":"peripherals","tags":["keyboard"],"status":"Active"}`
	req := httptest.NewRequest(http.MethodPost, "/products/", strings.NewReader(body))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.Name != "Mechanical Keyboard" || received.Price != 120 || received.Stock != 40 {
		t.Fatalf("unexpected command: %+v", received)
	}
	if received.Status != domain.ProductStatusActive {
		t.Fatalf("expected status normalised, got %q", received.Status)
	}
	if received.Actor.UserID != "admin-1" {
		t.Fatalf("expected actor from identity, got %q", received.Actor.UserID)
	}
}

func TestUpdateProductPartialFields(t *testing.T) {
	var received services.UpdateProductCommand
	svc := &stubProductService{
		updateFn: func(_ context.Context, cmd services.UpdateProductCommand) (domain.Product, error) {
			received = cmd
			return sampleProduct(), nil
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodPatch, "/products/prod-1", strings.NewReader(`{"price":99.5,"status":"inactive"}`))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.ProductID != "prod-1" {
		t.Fatalf("unexpected product id %q", received.ProductID)
	}
	if received.Price == nil || *received.Price != 99.5 {
		t.Fatalf("expected price update, got %+v", received.Price)
	}
	if received.Status == nil || *received.Status != domain.ProductStatus("inactive") {
		t.Fatalf("expected status update, got %+v", received.Status)
	}
	if received.Name != nil || received.Description != nil {
		t.Fatal("expected omitted fields to stay nil")
	}
}

func TestAdjustStock(t *testing.T) {
	var received services.UpdateStockCommand
	svc := &stubProductService{
		stockFn: func(_ context.Context, cmd services.UpdateStockCommand) (domain.Product, error) {
			received = cmd
			product := sampleProduct()
			product.Stock += cmd.Delta
			return product, nil
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/products/prod-1/stock", strings.NewReader(`{"delta":-5}`))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.ProductID != "prod-1" || received.Delta != -5 {
		t.Fatalf("unexpected command: %+v", received)
	}

	var resp productResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Product.Stock != 35 {
		t.Fatalf("unexpected stock %d", resp.Product.Stock)
	}
}

func TestDeleteProduct(t *testing.T) {
	var received services.DeleteProductCommand
	svc := &stubProductService{
		deleteFn: func(_ context.Context, cmd services.DeleteProductCommand) error {
			received = cmd
			return nil
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/products/prod-1", nil)
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", rec.Code, rec.Body.String())
	}
	if received.ProductID != "prod-1" || received.Actor.UserID != "admin-1" {
		t.Fatalf("unexpected command: %+v", received)
	}
}

func TestSignImageUpload(t *testing.T) {
	expires := time.Date(2024, 4, 10, 8, 15, 0, 0, time.UTC)
	svc := &stubProductService{
		uploadFn: func(_ context.Context, cmd services.ImageUploadCommand) (services.SignedUpload, error) {
			if cmd.ProductID != "prod-1" || cmd.FileName != "front.png" || cmd.ContentType != "image/png" {
				t.Fatalf("unexpected command: %+v", cmd)
			}
			return services.SignedUpload{
				URL:       "https://storage.googleapis.com/bucket/products/prod-1/front.png?sig=abc",
				Method:    http.MethodPut,
				Headers:   map[string]string{"Content-Type": "image/png"},
				ObjectKey: "products/prod-1/front.png",
				ExpiresAt: expires,
			}, nil
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/products/prod-1/images", strings.NewReader(`{"file_name":"front.png","content_type":"image/png"}`))
	req = identifiedRequest(req, "admin-1", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	var resp imageUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Method != http.MethodPut || resp.ObjectKey != "products/prod-1/front.png" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ExpiresAt != "2024-04-10T08:15:00Z" {
		t.Fatalf("unexpected expiry %q", resp.ExpiresAt)
	}
}

func TestProductMutationForbidden(t *testing.T) {
	svc := &stubProductService{
		deleteFn: func(context.Context, services.DeleteProductCommand) error {
			return services.ErrProductForbidden
		},
	}
	router := newProductTestRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/products/prod-1", nil)
	req = identifiedRequest(req, "vendor-2", "vendor")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
