package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"

	"github.com/relapi/engine/pkg/common"
	"github.com/relapi/engine/pkg/jsonapi"
	"github.com/relapi/engine/pkg/logger"
)

// IdentityResolver extracts an Identity from an inbound request. The engine
// calls it once per request, ahead of the Permission Gate; a nil resolver
// means every request is anonymous.
type IdentityResolver func(r common.Request) *Identity

// Engine wires every Resource Engine collaborator into the six JSON:API
// operations and exposes them behind the router-agnostic common.Request/
// common.ResponseWriter interfaces, so the same engine serves gorilla/mux
// and uptrace/bunrouter without depending on either.
type Engine struct {
	registry   *Registry
	store      Store
	planner    *Planner
	codec      *Codec
	validator  *Validator
	includes   *IncludeExpander
	hooks      *HookRegistry
	permission PermissionChecker
	write      *WriteCoordinator
	identity   IdentityResolver
}

// NewEngine wires every collaborator over registry and store, including the
// Write Coordinator's re-read closure (so a ReturnFull write reuses the same
// Query Planner/Storage Executor/Include Expander path a GET would).
func NewEngine(registry *Registry, store Store, permission PermissionChecker, hooks *HookRegistry, identity IdentityResolver) *Engine {
	if hooks == nil {
		hooks = NewHookRegistry()
	}
	if permission == nil {
		permission = AllowAll{}
	}

	codec := NewCodec(registry)
	e := &Engine{
		registry:   registry,
		store:      store,
		planner:    NewPlanner(registry),
		codec:      codec,
		validator:  NewValidator(),
		includes:   NewIncludeExpander(registry, store, codec),
		hooks:      hooks,
		permission: permission,
		identity:   identity,
	}
	e.write = NewWriteCoordinator(registry, store, codec, e.validator, hooks, permission, e.readOne)
	return e
}

// Route returns a router-agnostic handler that reads the resource type and
// id from the "type"/"id" path parameters, for adapters registered with a
// pattern like "/{type}/{id}". Engines with a different path shape should
// call Handle directly instead.
func (e *Engine) Route() common.HTTPHandlerFunc {
	return func(w common.ResponseWriter, r common.Request) {
		e.Handle(w, r, r.PathParam("type"), r.PathParam("id"))
	}
}

// Handle dispatches one HTTP request to query/get/create/replace/update/
// delete based on method and the presence of an id path parameter, per
// transport bindings. resourceType and id are supplied by the caller's
// router (path parameters), not parsed from the URL here, so the same
// Engine works behind any router adapter.
func (e *Engine) Handle(w common.ResponseWriter, r common.Request, resourceType, id string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic handling %s %s/%s: %v\n%s", r.Method(), resourceType, id, rec, debug.Stack())
			e.writeError(w, ErrInternal(fmt.Errorf("%v", rec)))
		}
	}()

	ctx := r.UnderlyingRequest().Context()
	var ident *Identity
	if e.identity != nil {
		ident = e.identity(r)
	}

	res, err := e.registry.Get(resourceType)
	if err != nil {
		e.writeError(w, err.(*Error))
		return
	}

	switch r.Method() {
	case http.MethodGet:
		if id == "" {
			e.handleQuery(ctx, w, r, res, ident)
		} else {
			e.handleGet(ctx, w, r, res, id, ident)
		}
	case http.MethodPost:
		e.handleWrite(ctx, w, r, res, "POST", "", ident)
	case http.MethodPut:
		e.handleWrite(ctx, w, r, res, "PUT", id, ident)
	case http.MethodPatch:
		e.handleWrite(ctx, w, r, res, "PATCH", id, ident)
	case http.MethodDelete:
		e.handleDelete(ctx, w, res, id, ident)
	default:
		e.writeError(w, ErrPayloadShape(fmt.Sprintf("method %q is not supported", r.Method())))
	}
}

func (e *Engine) handleQuery(ctx context.Context, w common.ResponseWriter, r common.Request, res *Resource, ident *Identity) {
	if err := e.permission.Check(ctx, PermissionRequest{Method: "query", Resource: res, Identity: ident}); err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	qp := parseQueryParams(r.AllQueryParams())
	plan, err := e.planner.Plan(res, qp)
	if err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	phase := &PhaseContext{Context: ctx, Resource: res, Operation: "query"}
	if err := e.hooks.Execute(BeforeRead, phase); err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	result, err := e.store.DataQuery(ctx, res, plan, true)
	if err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	doc, err := e.buildCollectionDocument(ctx, res, result.Rows, plan, result.Total)
	if err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	phase.Record = nil
	if err := e.hooks.Execute(AfterRead, phase); err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	e.writeDocument(w, http.StatusOK, doc)
}

func (e *Engine) handleGet(ctx context.Context, w common.ResponseWriter, r common.Request, res *Resource, id string, ident *Identity) {
	if err := e.validator.ValidateRead("get", id); err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	subject, err := e.store.DataGetMinimal(ctx, res, id, []string{res.IDName})
	if err != nil {
		e.writeError(w, asEngineError(err))
		return
	}
	if err := e.permission.Check(ctx, PermissionRequest{Method: "get", Resource: res, Identity: ident, Subject: subject}); err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	qp := parseQueryParams(r.AllQueryParams())
	plan, err := e.planner.Plan(res, qp)
	if err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	doc, err := e.readWithPlan(ctx, res, id, plan)
	if err != nil {
		e.writeError(w, asEngineError(err))
		return
	}
	e.writeDocument(w, http.StatusOK, doc)
}

// readOne re-reads id with the resource's default plan (no sparse fieldset,
// no includes); it is the closure the Write Coordinator calls for
// ReturnFull responses.
func (e *Engine) readOne(ctx context.Context, res *Resource, id string) (*jsonapi.Document, error) {
	plan, err := e.planner.Plan(res, QueryParams{})
	if err != nil {
		return nil, err
	}
	return e.readWithPlan(ctx, res, id, plan)
}

func (e *Engine) readWithPlan(ctx context.Context, res *Resource, id string, plan *QueryPlan) (*jsonapi.Document, error) {
	row, err := e.store.DataGet(ctx, res, id, plan)
	if err != nil {
		return nil, err
	}
	if err := e.enrichRows(ctx, res, []Row{row}, plan); err != nil {
		return nil, err
	}

	ro := e.codec.ToDocument(res, row, "")
	included, err := e.includes.Expand(ctx, res, []Row{row}, plan.Include, 1)
	if err != nil {
		return nil, err
	}

	doc := jsonapi.NewDocument(ro)
	doc.Included = included
	return doc, nil
}

func (e *Engine) buildCollectionDocument(ctx context.Context, res *Resource, rows []Row, plan *QueryPlan, total int64) (*jsonapi.Document, error) {
	if err := e.enrichRows(ctx, res, rows, plan); err != nil {
		return nil, err
	}

	ros := make([]*jsonapi.ResourceObject, 0, len(rows))
	for _, row := range rows {
		ros = append(ros, e.codec.ToDocument(res, row, ""))
	}

	included, err := e.includes.Expand(ctx, res, rows, plan.Include, 1)
	if err != nil {
		return nil, err
	}

	doc := jsonapi.NewCollectionDocument(ros)
	doc.Included = included
	doc.Meta = jsonapi.Meta{"total": total}
	return doc, nil
}

// enrichRows finishes freshly fetched rows in place: getter transforms in
// dependency order, computed fields derived from their loaded
// dependencies, the EnrichRecord/EnrichAttributes hooks, then stripping of
// auxiliary dependency columns that were fetched only for computation. A
// failing getter logs a warning and leaves the stored value in place; a
// failing compute function logs a warning and the field becomes null.
// Neither aborts the request.
func (e *Engine) enrichRows(ctx context.Context, res *Resource, rows []Row, plan *QueryPlan) error {
	for _, row := range rows {
		for _, name := range res.FieldOrder {
			f := res.Fields[name]
			if f.Getter == nil {
				continue
			}
			val, ok := row[f.columnName()]
			if !ok {
				continue
			}
			out, err := f.Getter(val)
			if err != nil {
				logger.Warn("getter for field %q on %q failed: %v", name, res.Name, err)
				continue
			}
			row[f.columnName()] = out
		}

		for _, name := range res.FieldOrder {
			f := res.Fields[name]
			if !f.Computed || f.Compute == nil {
				continue
			}
			if plan.Fields != nil && !plan.Fields[name] {
				continue
			}
			val, err := f.Compute(row)
			if err != nil {
				logger.Warn("computed field %q on %q failed: %v", name, res.Name, err)
				row[name] = nil
				continue
			}
			row[name] = val
		}

		phase := &PhaseContext{Context: ctx, Resource: res, Operation: "read", Record: row}
		if err := e.hooks.Execute(EnrichRecord, phase); err != nil {
			return err
		}
		if err := e.hooks.Execute(EnrichAttributes, phase); err != nil {
			return err
		}

		for dep := range plan.AuxSelected {
			if f, ok := res.Fields[dep]; ok {
				delete(row, f.columnName())
			}
		}
	}
	return nil
}

func (e *Engine) handleWrite(ctx context.Context, w common.ResponseWriter, r common.Request, res *Resource, method, id string, ident *Identity) {
	body, err := r.Body()
	if err != nil {
		e.writeError(w, ErrPayloadShape(fmt.Sprintf("failed to read request body: %v", err)))
		return
	}

	var doc jsonapi.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		e.writeError(w, ErrPayloadShape(fmt.Sprintf("invalid JSON:API document: %v", err)))
		return
	}

	// Structural validation runs inside the Write Coordinator's
	// beforeSchemaValidate phase so a registered hook can run first.
	result, err := e.write.Execute(ctx, WriteRequest{
		Method:     method,
		Resource:   res,
		URLID:      id,
		Document:   &doc,
		ReturnMode: returnModeOf(r),
		Identity:   ident,
	})
	if err != nil {
		e.writeError(w, asEngineError(err))
		return
	}

	status := http.StatusOK
	if method == "POST" {
		status = http.StatusCreated
	}
	if result.Document == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	e.writeDocument(w, status, result.Document)
}

func (e *Engine) handleDelete(ctx context.Context, w common.ResponseWriter, res *Resource, id string, ident *Identity) {
	if id == "" {
		e.writeError(w, ErrPayloadShape("id is required for delete"))
		return
	}
	_, err := e.write.Execute(ctx, WriteRequest{
		Method:     "DELETE",
		Resource:   res,
		URLID:      id,
		ReturnMode: ReturnNone,
		Identity:   ident,
	})
	if err != nil {
		e.writeError(w, asEngineError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// returnModeOf reads the client's Prefer header,
// defaulting to a full re-read.
func returnModeOf(r common.Request) ReturnMode {
	prefer := strings.ToLower(r.Header("Prefer"))
	switch {
	case strings.Contains(prefer, "return=minimal"):
		return ReturnMinimal
	case strings.Contains(prefer, "return=none"):
		return ReturnNone
	default:
		return ReturnFull
	}
}

func (e *Engine) writeDocument(w common.ResponseWriter, status int, doc *jsonapi.Document) {
	w.SetHeader("Content-Type", jsonapi.MediaType)
	w.WriteHeader(status)
	if err := w.WriteJSON(doc); err != nil {
		logger.Error("failed to write JSON:API response: %v", err)
	}
}

func (e *Engine) writeError(w common.ResponseWriter, err *Error) {
	err.Report()
	w.SetHeader("Content-Type", jsonapi.MediaType)
	w.WriteHeader(err.Status())
	body := jsonapi.NewErrorDocument(err.AsJSONAPIErrors()...)
	if werr := w.WriteJSON(body); werr != nil {
		logger.Error("failed to write JSON:API error response: %v", werr)
	}
}

func asEngineError(err error) *Error {
	if ee, ok := err.(*Error); ok {
		return ee
	}
	return ErrInternal(err)
}

var bracketKey = regexp.MustCompile(`^([a-zA-Z]+)\[([^\]]*)\]$`)

// parseQueryParams translates a raw query string's bracketed groups
// ("fields[articles]", "filter[title]", "page[size]") into a QueryParams,
// the transport-agnostic shape the Planner consumes. Unbracketed "include"
// and "sort" keys are read directly, per the fetching-* sections.
func parseQueryParams(raw map[string][]string) QueryParams {
	qp := QueryParams{
		Fields: make(map[string]string),
		Filter: make(map[string]string),
		Page:   make(map[string]string),
	}

	for key, values := range raw {
		if len(values) == 0 {
			continue
		}
		value := values[0]

		switch key {
		case "include":
			qp.Include = value
			continue
		case "sort":
			qp.Sort = value
			continue
		}

		m := bracketKey.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		group, name := m[1], m[2]
		switch group {
		case "fields":
			qp.Fields[name] = value
		case "filter":
			qp.Filter[name] = value
		case "page":
			qp.Page[name] = value
		}
	}

	return qp
}
