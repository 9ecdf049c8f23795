package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relapi/engine/pkg/common"
	"github.com/relapi/engine/pkg/jsonapi"
)

func engineFixture(t *testing.T) (*Engine, *Registry, *memStore) {
	t.Helper()
	reg := NewRegistry()

	users := NewResource("users")
	users.AddField(&Field{Name: "name", Kind: "string"})
	if _, err := reg.Compile(users); err != nil {
		t.Fatalf("compile users: %v", err)
	}

	articles := NewResource("articles")
	articles.AddField(&Field{Name: "title", Kind: "string", Validate: []ValidationRule{{Rule: "required"}}})
	articles.AddField(&Field{Name: "body", Kind: "string", Validate: []ValidationRule{{Rule: "required"}}})
	articles.AddField(&Field{Name: "author_id", Kind: "int", Nullable: true})
	articles.AddRelationship(&Relationship{Name: "author", Kind: BelongsTo, Target: "users", ForeignKey: "author_id"})
	if _, err := reg.Compile(articles); err != nil {
		t.Fatalf("compile articles: %v", err)
	}

	store := newMemStore()
	e := NewEngine(reg, store, AllowAll{}, nil, nil)
	return e, reg, store
}

func request(t *testing.T, method, url string, body any) (*httptest.ResponseRecorder, common.ResponseWriter, common.Request) {
	t.Helper()
	var r *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		r = httptest.NewRequest(method, url, bytes.NewReader(raw))
	} else {
		r = httptest.NewRequest(method, url, nil)
	}
	rec := httptest.NewRecorder()
	return rec, common.NewStandardResponseWriter(rec), common.NewStandardRequest(r)
}

func decodeDocument(t *testing.T, rec *httptest.ResponseRecorder) jsonapi.Document {
	t.Helper()
	var doc jsonapi.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
	return doc
}

func TestEngineHandleCreateThenGet(t *testing.T) {
	e, _, _ := engineFixture(t)

	createBody := map[string]any{"data": map[string]any{
		"type":       "articles",
		"attributes": map[string]any{"title": "Hello", "body": "World"},
	}}
	rec, w, r := request(t, http.MethodPost, "/articles", createBody)
	e.Handle(w, r, "articles", "")

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	created := decodeDocument(t, rec)
	if created.DataOne == nil || created.DataOne.ID == "" {
		t.Fatalf("expected a created resource with an id, got %+v", created.DataOne)
	}
	id := created.DataOne.ID

	rec, w, r = request(t, http.MethodGet, "/articles/"+id, nil)
	e.Handle(w, r, "articles", id)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	fetched := decodeDocument(t, rec)
	if fetched.DataOne == nil || fetched.DataOne.Attributes["title"] != "Hello" {
		t.Errorf("fetched = %+v", fetched.DataOne)
	}
}

func TestEngineHandleCreateMissingRequiredFieldReturns422(t *testing.T) {
	e, _, _ := engineFixture(t)

	createBody := map[string]any{"data": map[string]any{
		"type":       "articles",
		"attributes": map[string]any{"title": "Hello"},
	}}
	rec, w, r := request(t, http.MethodPost, "/articles", createBody)
	e.Handle(w, r, "articles", "")

	if rec.Code != 422 {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
	doc := decodeDocument(t, rec)
	if len(doc.Errors) != 1 || doc.Errors[0].Source == nil || doc.Errors[0].Source.Pointer != "/data/attributes/body" {
		t.Errorf("errors = %+v", doc.Errors)
	}
	if len(doc.Errors) == 1 {
		if rule, _ := doc.Errors[0].Meta["rule"].(string); rule != "required" {
			t.Errorf("meta.rule = %v, want required", doc.Errors[0].Meta["rule"])
		}
	}
}

func TestEngineHandleCreateEmitsOneErrorPerViolation(t *testing.T) {
	e, _, _ := engineFixture(t)

	createBody := map[string]any{"data": map[string]any{
		"type":       "articles",
		"attributes": map[string]any{},
	}}
	rec, w, r := request(t, http.MethodPost, "/articles", createBody)
	e.Handle(w, r, "articles", "")

	if rec.Code != 422 {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
	doc := decodeDocument(t, rec)
	if len(doc.Errors) != 2 {
		t.Fatalf("expected one error object per missing field, got %+v", doc.Errors)
	}
	pointers := map[string]bool{}
	for _, je := range doc.Errors {
		if je.Source == nil {
			t.Fatalf("error without source: %+v", je)
		}
		pointers[je.Source.Pointer] = true
		if rule, _ := je.Meta["rule"].(string); rule != "required" {
			t.Errorf("meta.rule = %v, want required", je.Meta["rule"])
		}
	}
	if !pointers["/data/attributes/title"] || !pointers["/data/attributes/body"] {
		t.Errorf("pointers = %v, want /data/attributes/title and /data/attributes/body", pointers)
	}
}

func TestEngineHandleQueryReturnsCollectionWithTotal(t *testing.T) {
	e, reg, store := engineFixture(t)
	articles, _ := reg.Get("articles")
	ctx := context.Background()

	if _, err := store.DataPost(ctx, articles, map[string]any{"title": "A", "body": "a"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.DataPost(ctx, articles, map[string]any{"title": "B", "body": "b"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, w, r := request(t, http.MethodGet, "/articles", nil)
	e.Handle(w, r, "articles", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	doc := decodeDocument(t, rec)
	if !doc.ManyData || len(doc.DataMany) != 2 {
		t.Fatalf("expected a collection of 2, got %+v", doc.DataMany)
	}
	if total, ok := doc.Meta["total"]; !ok || total != float64(2) {
		t.Errorf("expected meta.total=2, got %+v", doc.Meta)
	}
}

func TestEngineHandleUnknownResourceTypeReturns404(t *testing.T) {
	e, _, _ := engineFixture(t)
	rec, w, r := request(t, http.MethodGet, "/ghosts", nil)
	e.Handle(w, r, "ghosts", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestEngineHandleDeleteReturnsNoContent(t *testing.T) {
	e, reg, store := engineFixture(t)
	articles, _ := reg.Get("articles")
	ctx := context.Background()
	id, err := store.DataPost(ctx, articles, map[string]any{"title": "A", "body": "a"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, w, r := request(t, http.MethodDelete, "/articles/"+id, nil)
	e.Handle(w, r, "articles", id)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", rec.Code, rec.Body.String())
	}
	if _, err := store.DataGet(ctx, articles, id, &QueryPlan{}); err == nil {
		t.Error("expected the row to be gone after delete")
	}
}

func TestEngineHandleWriteReturnMinimalYieldsIdentifierOnly(t *testing.T) {
	e, _, _ := engineFixture(t)

	createBody := map[string]any{"data": map[string]any{
		"type":       "articles",
		"attributes": map[string]any{"title": "Hello", "body": "World"},
	}}
	raw, err := json.Marshal(createBody)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/articles", bytes.NewReader(raw))
	req.Header.Set("Prefer", "return=minimal")
	rec := httptest.NewRecorder()
	e.Handle(common.NewStandardResponseWriter(rec), common.NewStandardRequest(req), "articles", "")

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for return=minimal, got %d (%s)", rec.Code, rec.Body.String())
	}
	doc := decodeDocument(t, rec)
	if doc.DataOne == nil || doc.DataOne.Type != "articles" || doc.DataOne.ID == "" {
		t.Fatalf("expected a bare {type, id} resource, got %+v", doc.DataOne)
	}
	if len(doc.DataOne.Attributes) != 0 {
		t.Errorf("minimal response must carry no attributes, got %+v", doc.DataOne.Attributes)
	}
}

func TestEngineHandleWriteReturnNoneOmitsBody(t *testing.T) {
	e, _, _ := engineFixture(t)

	createBody := map[string]any{"data": map[string]any{
		"type":       "articles",
		"attributes": map[string]any{"title": "Hello", "body": "World"},
	}}
	raw, err := json.Marshal(createBody)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/articles", bytes.NewReader(raw))
	req.Header.Set("Prefer", "return=none")
	rec := httptest.NewRecorder()
	e.Handle(common.NewStandardResponseWriter(rec), common.NewStandardRequest(req), "articles", "")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for return=none, got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected an empty body, got %q", rec.Body.String())
	}
}

func TestEngineComputedFieldEnrichmentWithSparseFieldset(t *testing.T) {
	reg := NewRegistry()
	products := NewResource("products")
	products.AddField(&Field{Name: "name", Kind: "string"})
	products.AddField(&Field{Name: "price", Kind: "float"})
	products.AddField(&Field{Name: "cost", Kind: "float"})
	products.AddField(&Field{Name: "profit_margin", Kind: "float", Computed: true,
		DependsOn: []string{"price", "cost"},
		Compute: func(rec map[string]any) (any, error) {
			price, _ := rec["price"].(float64)
			cost, _ := rec["cost"].(float64)
			if price == 0 {
				return nil, nil
			}
			return (price - cost) / price, nil
		}})
	if _, err := reg.Compile(products); err != nil {
		t.Fatalf("compile products: %v", err)
	}

	store := newMemStore()
	ctx := context.Background()
	compiled, _ := reg.Get("products")
	if _, err := store.DataPost(ctx, compiled, map[string]any{"id": "1", "name": "Widget", "price": 10.0, "cost": 6.0}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := NewEngine(reg, store, AllowAll{}, nil, nil)
	rec, w, r := request(t, http.MethodGet, "/products/1?fields[products]=name,profit_margin", nil)
	e.Handle(w, r, "products", "1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	doc := decodeDocument(t, rec)
	attrs := doc.DataOne.Attributes
	if attrs["name"] != "Widget" {
		t.Errorf("name = %v", attrs["name"])
	}
	if margin, ok := attrs["profit_margin"].(float64); !ok || margin != 0.4 {
		t.Errorf("profit_margin = %v, want 0.4", attrs["profit_margin"])
	}
	if _, ok := attrs["price"]; ok {
		t.Error("auxiliary dependency price must be stripped")
	}
	if _, ok := attrs["cost"]; ok {
		t.Error("auxiliary dependency cost must be stripped")
	}
}

func TestParseQueryParamsBracketedGroups(t *testing.T) {
	raw := map[string][]string{
		"include":           {"author,tags"},
		"sort":              {"-created_at"},
		"fields[articles]":  {"title,body"},
		"filter[title]":     {"Hello"},
		"page[size]":        {"10"},
		"unrecognized[key]": {"ignored"},
		"noBrackets":        {"ignored"},
	}
	qp := parseQueryParams(raw)

	if qp.Include != "author,tags" {
		t.Errorf("Include = %q", qp.Include)
	}
	if qp.Sort != "-created_at" {
		t.Errorf("Sort = %q", qp.Sort)
	}
	if qp.Fields["articles"] != "title,body" {
		t.Errorf("Fields = %+v", qp.Fields)
	}
	if qp.Filter["title"] != "Hello" {
		t.Errorf("Filter = %+v", qp.Filter)
	}
	if qp.Page["size"] != "10" {
		t.Errorf("Page = %+v", qp.Page)
	}
	if strings.Contains(qp.Include, "ignored") {
		t.Error("unrecognized bracket groups must not leak into Include")
	}
}
