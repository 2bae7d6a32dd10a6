package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-repository-live/filter"
	"github.com/goliatone/go-repository-live/repository"
)

// Product is the record type served by the demo API.
type Product struct {
	bun.BaseModel `bun:"table:products"`
	repository.Model

	Name     string  `bun:"name,notnull" json:"name"`
	Code     string  `bun:"code,notnull,unique" json:"code"`
	Price    int64   `bun:"price,notnull" json:"price"`
	Category *string `bun:"category" json:"category,omitempty"`
}

type productRepository = repository.Repository[Product, *Product]

// ProductAPI holds the HTTP handlers for /products.
type ProductAPI struct {
	repo   *productRepository
	logger *slog.Logger
}

// NewProductAPI serves repo over HTTP.
func NewProductAPI(repo *productRepository, logger *slog.Logger) *ProductAPI {
	return &ProductAPI{repo: repo, logger: logger}
}

// Routes mounts the product endpoints on r.
func (a *ProductAPI) Routes(r chi.Router) {
	r.Get("/", a.List)
	r.Post("/", a.Create)
	r.Get("/{id}", a.Get)
	r.Patch("/{id}", a.Update)
	r.Delete("/{id}", a.Delete)
}

// ListResponse is the body of GET /products.
type ListResponse struct {
	Items  []*Product `json:"items"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// List handles GET /products. Query parameters other than limit, offset
// and order are filter keys ("price__gte=100", "code__in=a,b").
func (a *ProductAPI) List(w http.ResponseWriter, r *http.Request) {
	expr, opts, err := listQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	page, err := a.repo.Paginate(r.Context(), expr, opts...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []*Product{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: page.Items, Total: page.Total, Limit: page.Limit, Offset: page.Offset})
}

// Create handles POST /products.
func (a *ProductAPI) Create(w http.ResponseWriter, r *http.Request) {
	var p Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.Name == "" || p.Code == "" {
		http.Error(w, "name and code are required", http.StatusBadRequest)
		return
	}

	created, err := a.repo.Create(r.Context(), &p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Get handles GET /products/{id}, served from the cache when possible.
func (a *ProductAPI) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	p, err := a.repo.GetByIDCached(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if p == nil {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Update handles PATCH /products/{id} with a JSON object of field changes.
func (a *ProductAPI) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	var changes map[string]any
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := a.repo.Update(r.Context(), id, changes)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if p == nil {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Delete handles DELETE /products/{id}.
func (a *ProductAPI) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	deleted, err := a.repo.Delete(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !deleted {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ProductAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidFilter):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrConstraintViolation):
		status = http.StatusConflict
	case errors.Is(err, repository.ErrResourceLocked):
		status = http.StatusLocked
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func productID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid product id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func listQuery(r *http.Request) (*filter.Expression, []repository.QueryOption, error) {
	q := r.URL.Query()
	var opts []repository.QueryOption

	for _, name := range []string{"limit", "offset"} {
		v := q.Get(name)
		q.Del(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, nil, errors.New("invalid " + name)
		}
		if name == "limit" {
			opts = append(opts, repository.Limit(n))
		} else {
			opts = append(opts, repository.Offset(n))
		}
	}

	var order []string
	if v := q.Get("order"); v != "" {
		order = strings.Split(v, ",")
	}
	q.Del("order")

	m := make(map[string]any, len(q))
	for key := range q {
		m[key] = queryValue(key, q.Get(key))
	}
	expr, err := filter.FromMap(m)
	if err != nil {
		return nil, nil, err
	}
	return expr.OrderBy(order...), opts, nil
}

func queryValue(key, v string) any {
	switch {
	case strings.HasSuffix(key, "__in"), strings.HasSuffix(key, "__not_in"):
		if v == "" {
			return []string{}
		}
		return strings.Split(v, ",")
	case strings.HasSuffix(key, "__is_null"):
		b, err := strconv.ParseBool(v)
		if err != nil {
			return v
		}
		return b
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
