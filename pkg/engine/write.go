package engine

import (
	"context"
	"fmt"

	"github.com/relapi/engine/pkg/cache"
	"github.com/relapi/engine/pkg/jsonapi"
	"github.com/relapi/engine/pkg/logger"
)

// ReturnMode controls what a write operation hands back in its response
// body.
type ReturnMode int

const (
	// ReturnFull re-reads the written record via the GET path so the
	// response benefits from include expansion and computed-field
	// enrichment.
	ReturnFull ReturnMode = iota
	// ReturnMinimal responds with only {type, id}; no re-read.
	ReturnMinimal
	// ReturnNone responds with an empty body.
	ReturnNone
)

// ReadFunc re-reads a single record via the Query Planner/Storage
// Executor/Include Expander path. The Write Coordinator calls it only in
// ReturnFull mode; Engine supplies the closure so the two components don't
// need to import one another.
type ReadFunc func(ctx context.Context, r *Resource, id string) (*jsonapi.Document, error)

// WriteRequest describes one create/replace/update/delete call.
type WriteRequest struct {
	Method     string // "POST", "PUT", "PATCH", "DELETE"
	Resource   *Resource
	URLID      string
	Document   *jsonapi.Document // nil for DELETE with no body
	ReturnMode ReturnMode
	Identity   *Identity
	Tx         Store // caller-supplied transaction; nil means the coordinator opens its own
}

// WriteResult is what Execute hands back to the transport layer.
type WriteResult struct {
	ID       string
	Document *jsonapi.Document // nil in ReturnNone mode
}

// WriteCoordinator orchestrates POST/PUT/PATCH/DELETE: payload codec,
// relationship processing, pivot-table synchronization, permission checks,
// and the hook-wrapped transactional write.
type WriteCoordinator struct {
	registry   *Registry
	store      Store
	codec      *Codec
	validator  *Validator
	hooks      *HookRegistry
	permission PermissionChecker
	read       ReadFunc
}

// NewWriteCoordinator wires a coordinator over its collaborators. read may
// be nil if the engine never uses ReturnFull.
func NewWriteCoordinator(registry *Registry, store Store, codec *Codec, validator *Validator, hooks *HookRegistry, permission PermissionChecker, read ReadFunc) *WriteCoordinator {
	if permission == nil {
		permission = AllowAll{}
	}
	return &WriteCoordinator{
		registry:   registry,
		store:      store,
		codec:      codec,
		validator:  validator,
		hooks:      hooks,
		permission: permission,
		read:       read,
	}
}

// Execute dispatches req to the appropriate phase sequence and returns the
// write's result. On any failure an owned transaction is rolled back and
// afterRollback fires; on success the owner commits and afterCommit fires.
func (wc *WriteCoordinator) Execute(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	r := req.Resource
	if r == nil {
		return nil, ErrConfiguration("write request requires a resource")
	}

	phase := &PhaseContext{Context: ctx, Resource: r, Operation: writeOperationName(req.Method), ID: req.URLID}
	if err := wc.hooks.Execute(BeforeProcessing, phase); err != nil {
		return nil, err
	}

	store := req.Tx
	var finalize func(commit bool) error
	if store == nil {
		tx, fin, err := wc.store.NewTransaction(ctx)
		if err != nil {
			return nil, err
		}
		store = tx
		finalize = fin
	}
	commit := false
	if finalize != nil {
		defer func() {
			if err := finalize(commit); err != nil {
				logger.Error("transaction finalize failed: %v", err)
			}
		}()
	}

	result, err := wc.dispatch(ctx, req, store, phase)
	if err != nil {
		if herr := wc.hooks.Execute(AfterRollback, phase); herr != nil {
			logger.Warn("afterRollback hook failed: %v", herr)
		}
		return nil, err
	}

	if err := wc.hooks.Execute(Finish, phase); err != nil {
		if herr := wc.hooks.Execute(AfterRollback, phase); herr != nil {
			logger.Warn("afterRollback hook failed: %v", herr)
		}
		return nil, err
	}
	commit = true
	if herr := wc.hooks.Execute(AfterCommit, phase); herr != nil {
		logger.Warn("afterCommit hook failed: %v", herr)
	}

	if err := cache.InvalidateCacheForTable(ctx, r.Name); err != nil {
		logger.Warn("failed to invalidate cache for table %s: %v", r.Name, err)
	}
	return result, nil
}

func (wc *WriteCoordinator) dispatch(ctx context.Context, req WriteRequest, store Store, phase *PhaseContext) (*WriteResult, error) {
	switch req.Method {
	case "POST":
		return wc.create(ctx, req, store, phase)
	case "PUT":
		return wc.replace(ctx, req, store, phase)
	case "PATCH":
		return wc.update(ctx, req, store, phase)
	case "DELETE":
		return wc.delete(ctx, req, store, phase)
	default:
		return nil, ErrConfiguration(fmt.Sprintf("unsupported write method %q", req.Method))
	}
}

// relationshipPlan is what processRelationships extracts from a resource
// object's relationships member: belongs-to columns to merge into
// attributes, and pivot operations to run after the primary write.
type relationshipPlan struct {
	columns map[string]any
	pivots  []pivotOp
}

type pivotOp struct {
	rel    *Relationship
	target *Resource
	desired []string // other-side ids, as strings
}

// processRelationships walks ro.Relationships (supplied = explicitly
// present in the payload) and, for full (PUT-style) processing, also walks
// every relationship the schema declares so unmentioned ones are nulled or
// scheduled for a full pivot clear. Full processing only happens when the
// client sent a relationships object at all; a PUT without one leaves
// relationships untouched.
func (wc *WriteCoordinator) processRelationships(r *Resource, ro *jsonapi.ResourceObject, full bool) (*relationshipPlan, error) {
	plan := &relationshipPlan{columns: make(map[string]any)}

	supplied := ro.Relationships
	process := func(name string, rel *Relationship) error {
		linkage, present := supplied[name]
		switch rel.Kind {
		case BelongsTo:
			if !present {
				if full {
					plan.columns[rel.ForeignKey] = nil
				}
				return nil
			}
			if linkage.IsEmpty() {
				plan.columns[rel.ForeignKey] = nil
				return nil
			}
			target, err := wc.registry.Get(rel.Target)
			if err != nil {
				return err
			}
			_ = target
			plan.columns[rel.ForeignKey] = linkage.One.ID
		case BelongsToPolymorphic:
			if !present {
				if full {
					plan.columns[rel.TypeField] = nil
					plan.columns[rel.IDField] = nil
				}
				return nil
			}
			if linkage.IsEmpty() {
				plan.columns[rel.TypeField] = nil
				plan.columns[rel.IDField] = nil
				return nil
			}
			if !inAllowList(rel.Types, linkage.One.Type) {
				return ErrValidation(fmt.Sprintf("/data/relationships/%s/data/type", name), "invalid_type", fmt.Sprintf("%q is not an allowed target type for %q", linkage.One.Type, name))
			}
			plan.columns[rel.TypeField] = linkage.One.Type
			plan.columns[rel.IDField] = linkage.One.ID
		case HasManyThrough:
			target, err := wc.registry.Get(rel.Target)
			if err != nil {
				return err
			}
			if !present {
				if full {
					plan.pivots = append(plan.pivots, pivotOp{rel: rel, target: target, desired: nil})
				}
				return nil
			}
			ids := make([]string, 0, len(linkage.Many))
			for _, ident := range linkage.Many {
				ids = append(ids, ident.ID)
			}
			plan.pivots = append(plan.pivots, pivotOp{rel: rel, target: target, desired: ids})
		}
		return nil
	}

	if full {
		for name, rel := range r.Relationships {
			if err := process(name, rel); err != nil {
				return nil, err
			}
		}
	} else {
		for name := range supplied {
			rel, ok := r.Relationships[name]
			if !ok {
				continue
			}
			if err := process(name, rel); err != nil {
				return nil, err
			}
		}
	}

	return plan, nil
}

// checkReferencedPermissions verifies read permission on every related
// resource a belongs-to/polymorphic column references.
func (wc *WriteCoordinator) checkReferencedPermissions(ctx context.Context, r *Resource, plan *relationshipPlan, identity *Identity) error {
	for name, rel := range r.Relationships {
		switch rel.Kind {
		case BelongsTo:
			val, ok := plan.columns[rel.ForeignKey]
			if !ok || val == nil {
				continue
			}
			if err := wc.checkRelatedRead(ctx, rel.Target, fmt.Sprintf("%v", val), identity); err != nil {
				return err
			}
		case BelongsToPolymorphic:
			val, ok := plan.columns[rel.IDField]
			if !ok || val == nil {
				continue
			}
			typeName, _ := plan.columns[rel.TypeField].(string)
			if typeName == "" {
				continue
			}
			if err := wc.checkRelatedRead(ctx, typeName, fmt.Sprintf("%v", val), identity); err != nil {
				return err
			}
		}
		_ = name
	}
	return nil
}

func (wc *WriteCoordinator) checkRelatedRead(ctx context.Context, targetName, id string, identity *Identity) error {
	target, err := wc.registry.Get(targetName)
	if err != nil {
		return err
	}
	subject, err := wc.store.DataGetMinimal(ctx, target, id, []string{target.IDName})
	if err != nil {
		return err
	}
	return wc.permission.Check(ctx, PermissionRequest{Method: "get", Resource: target, Identity: identity, Subject: subject})
}

// create implements POST: validate, check referenced-read permission,
// validate attributes (full), apply setters, insert, then create every
// pivot row for supplied many-to-many relationships.
func (wc *WriteCoordinator) create(ctx context.Context, req WriteRequest, store Store, phase *PhaseContext) (*WriteResult, error) {
	r := req.Resource
	ro := req.Document.DataOne

	if err := wc.hooks.Execute(BeforeSchemaValidate, phase); err != nil {
		return nil, err
	}
	if err := wc.validator.ValidateWritePayload("POST", r.Name, req.URLID, req.Document); err != nil {
		return nil, err
	}

	plan, err := wc.processRelationships(r, ro, false)
	if err != nil {
		return nil, err
	}
	if err := wc.checkReferencedPermissions(ctx, r, plan, req.Identity); err != nil {
		return nil, err
	}

	attrs := mergeAttributes(ro.Attributes, plan.columns)
	if ro.ID != "" {
		attrs[r.IDName] = ro.ID
	}

	errs := wc.validator.ValidateAttributes(r, attrs, true)
	if errs.HasErrors() {
		return nil, errs.AsError()
	}
	applySetters(r, attrs)

	if err := wc.hooks.Execute(AfterSchemaValidate, phase); err != nil {
		return nil, err
	}
	if err := wc.permission.Check(ctx, PermissionRequest{Method: "create", Resource: r, Identity: req.Identity}); err != nil {
		return nil, err
	}
	if err := wc.hooks.Execute(CheckPermissions, phase); err != nil {
		return nil, err
	}

	phase.Record = attrs
	if err := wc.hooks.Execute(BeforeCreate, phase); err != nil {
		return nil, err
	}

	id, err := store.DataPost(ctx, r, attrs)
	if err != nil {
		return nil, err
	}

	for _, op := range plan.pivots {
		if err := wc.syncPivot(ctx, store, id, op); err != nil {
			return nil, err
		}
	}

	phase.ID = id
	if err := wc.hooks.Execute(AfterCreate, phase); err != nil {
		return nil, err
	}

	return wc.buildResult(ctx, r, id, req.ReturnMode)
}

// replace implements PUT: fetch-or-insert, full relationship rebuild (the
// asymmetric null/clear semantics live in processRelationships), full
// attribute validation, then pivot sync.
func (wc *WriteCoordinator) replace(ctx context.Context, req WriteRequest, store Store, phase *PhaseContext) (*WriteResult, error) {
	r := req.Resource
	ro := req.Document.DataOne
	id := req.URLID
	if id == "" {
		id = ro.ID
	}

	if err := wc.hooks.Execute(BeforeSchemaValidate, phase); err != nil {
		return nil, err
	}
	if err := wc.validator.ValidateWritePayload("PUT", r.Name, req.URLID, req.Document); err != nil {
		return nil, err
	}

	exists, err := store.DataExists(ctx, r, id)
	if err != nil {
		return nil, err
	}

	plan, err := wc.processRelationships(r, ro, ro.Relationships != nil)
	if err != nil {
		return nil, err
	}
	if err := wc.checkReferencedPermissions(ctx, r, plan, req.Identity); err != nil {
		return nil, err
	}

	attrs := mergeAttributes(ro.Attributes, plan.columns)
	errs := wc.validator.ValidateAttributes(r, attrs, true)
	if errs.HasErrors() {
		return nil, errs.AsError()
	}
	applySetters(r, attrs)

	if err := wc.hooks.Execute(AfterSchemaValidate, phase); err != nil {
		return nil, err
	}

	method := "update"
	if !exists {
		method = "create"
	}
	if err := wc.permission.Check(ctx, PermissionRequest{Method: method, Resource: r, Identity: req.Identity, Subject: map[string]any{r.IDName: id}}); err != nil {
		return nil, err
	}
	if err := wc.hooks.Execute(CheckPermissions, phase); err != nil {
		return nil, err
	}

	phase.Record = attrs
	if err := wc.hooks.Execute(BeforeUpdate, phase); err != nil {
		return nil, err
	}

	if exists {
		if err := store.DataPut(ctx, r, id, attrs); err != nil {
			return nil, err
		}
	} else {
		attrs[r.IDName] = id
		if _, err := store.DataPost(ctx, r, attrs); err != nil {
			return nil, err
		}
	}

	for _, op := range plan.pivots {
		if err := wc.syncPivot(ctx, store, id, op); err != nil {
			return nil, err
		}
	}

	if err := wc.hooks.Execute(AfterUpdate, phase); err != nil {
		return nil, err
	}

	return wc.buildResult(ctx, r, id, req.ReturnMode)
}

// update implements PATCH: partial attribute validation, only supplied
// fields/relationships touched.
func (wc *WriteCoordinator) update(ctx context.Context, req WriteRequest, store Store, phase *PhaseContext) (*WriteResult, error) {
	r := req.Resource
	ro := req.Document.DataOne
	id := req.URLID
	if id == "" {
		id = ro.ID
	}

	if err := wc.hooks.Execute(BeforeSchemaValidate, phase); err != nil {
		return nil, err
	}
	if err := wc.validator.ValidateWritePayload("PATCH", r.Name, req.URLID, req.Document); err != nil {
		return nil, err
	}

	if _, err := store.DataExists(ctx, r, id); err != nil {
		return nil, err
	}

	plan, err := wc.processRelationships(r, ro, false)
	if err != nil {
		return nil, err
	}
	if err := wc.checkReferencedPermissions(ctx, r, plan, req.Identity); err != nil {
		return nil, err
	}

	attrs := mergeAttributes(ro.Attributes, plan.columns)
	errs := wc.validator.ValidateAttributes(r, attrs, false)
	if errs.HasErrors() {
		return nil, errs.AsError()
	}
	applySetters(r, attrs)

	if err := wc.hooks.Execute(AfterSchemaValidate, phase); err != nil {
		return nil, err
	}
	if err := wc.permission.Check(ctx, PermissionRequest{Method: "update", Resource: r, Identity: req.Identity, Subject: map[string]any{r.IDName: id}}); err != nil {
		return nil, err
	}
	if err := wc.hooks.Execute(CheckPermissions, phase); err != nil {
		return nil, err
	}

	phase.Record = attrs
	if err := wc.hooks.Execute(BeforeUpdate, phase); err != nil {
		return nil, err
	}

	if err := store.DataPatch(ctx, r, id, attrs); err != nil {
		return nil, err
	}

	for _, op := range plan.pivots {
		if err := wc.syncPivot(ctx, store, id, op); err != nil {
			return nil, err
		}
	}

	if err := wc.hooks.Execute(AfterUpdate, phase); err != nil {
		return nil, err
	}

	return wc.buildResult(ctx, r, id, req.ReturnMode)
}

// delete implements DELETE: permission and hook phases, then storage
// delete, returning no body.
func (wc *WriteCoordinator) delete(ctx context.Context, req WriteRequest, store Store, phase *PhaseContext) (*WriteResult, error) {
	r := req.Resource
	id := req.URLID

	if err := wc.permission.Check(ctx, PermissionRequest{Method: "delete", Resource: r, Identity: req.Identity, Subject: map[string]any{r.IDName: id}}); err != nil {
		return nil, err
	}
	if err := wc.hooks.Execute(CheckPermissions, phase); err != nil {
		return nil, err
	}
	if err := wc.hooks.Execute(BeforeDelete, phase); err != nil {
		return nil, err
	}

	if err := store.DataDelete(ctx, r, id); err != nil {
		return nil, err
	}

	if err := wc.hooks.Execute(AfterDelete, phase); err != nil {
		return nil, err
	}

	return &WriteResult{ID: id}, nil
}

// syncPivot performs the preserving many-to-many sync: fetch
// current link rows, diff against the desired other-side ids, delete only
// removed links and insert only added ones. Rows whose pair survives in
// both sets are left untouched so extra pivot attributes (timestamps,
// ordering, flags) survive, row ids included.
func (wc *WriteCoordinator) syncPivot(ctx context.Context, store Store, thisID string, op pivotOp) error {
	rel := op.rel
	pivot, err := wc.registry.Get(rel.Through)
	if err != nil {
		return err
	}

	current, err := store.DataQuery(ctx, pivot, &QueryPlan{Filters: []FilterNode{{Field: rel.PivotThisKey, Operator: "=", Value: thisID}}}, false)
	if err != nil {
		return err
	}

	desired := make(map[string]bool, len(op.desired))
	for _, id := range op.desired {
		desired[id] = true
	}

	existing := make(map[string]Row, len(current.Rows))
	for _, row := range current.Rows {
		otherID := fmt.Sprintf("%v", row[rel.PivotOtherKey])
		existing[otherID] = row
	}

	for otherID, row := range existing {
		if desired[otherID] {
			continue // preserved untouched — keep set
		}
		pivotID := fmt.Sprintf("%v", row[pivot.IDName])
		if err := store.DataDelete(ctx, pivot, pivotID); err != nil {
			return err
		}
	}

	for otherID := range desired {
		if _, ok := existing[otherID]; ok {
			continue // keep set, nothing to insert
		}
		if !rel.SkipExistenceCheck {
			ok, err := store.DataExists(ctx, op.target, otherID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrValidation(fmt.Sprintf("/data/relationships/%s/data", rel.Name), "exists", fmt.Sprintf("%s %q does not exist", op.target.Name, otherID))
			}
		}
		values := map[string]any{
			rel.PivotThisKey:  thisID,
			rel.PivotOtherKey: otherID,
		}
		if _, err := store.DataPost(ctx, pivot, values); err != nil {
			return err
		}
	}

	return nil
}

// buildResult applies the per-operation return mode: ReturnNone yields no
// body, ReturnMinimal yields {type, id} only, ReturnFull re-reads via the
// GET path so the response benefits from include expansion and
// computed-field enrichment.
func (wc *WriteCoordinator) buildResult(ctx context.Context, r *Resource, id string, mode ReturnMode) (*WriteResult, error) {
	switch mode {
	case ReturnNone:
		return &WriteResult{ID: id}, nil
	case ReturnMinimal:
		return &WriteResult{ID: id, Document: jsonapi.NewDocument(&jsonapi.ResourceObject{Type: r.Name, ID: id})}, nil
	default:
		if wc.read == nil {
			return &WriteResult{ID: id}, nil
		}
		doc, err := wc.read(ctx, r, id)
		if err != nil {
			return nil, err
		}
		return &WriteResult{ID: id, Document: doc}, nil
	}
}

func mergeAttributes(attrs map[string]any, columns map[string]any) map[string]any {
	out := make(map[string]any, len(attrs)+len(columns))
	for k, v := range attrs {
		out[k] = v
	}
	for k, v := range columns {
		out[k] = v
	}
	return out
}

// applySetters runs each field's setter transform, in dependency order, on
// whichever attrs are present.
func applySetters(r *Resource, attrs map[string]any) {
	for _, name := range r.FieldOrder {
		f := r.Fields[name]
		if f.Setter == nil {
			continue
		}
		val, ok := attrs[name]
		if !ok {
			continue
		}
		transformed, err := f.Setter(val)
		if err != nil {
			logger.Warn("setter for field %q failed: %v", name, err)
			continue
		}
		attrs[name] = transformed
	}
}

func writeOperationName(method string) string {
	switch method {
	case "POST":
		return "create"
	case "PUT":
		return "replace"
	case "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return method
	}
}
