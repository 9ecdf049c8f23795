// Package modelregistry maps resource names to the zero-value Go structs
// backing them. The schema compiler registers a resource's Model here at
// compile time so that code holding only a resource name (transport
// wiring, diagnostics) can recover the concrete struct.
package modelregistry

import (
	"fmt"
	"reflect"
	"sync"
)

// ModelRegistry is a concurrency-safe name-to-struct map. It is append
// mostly: registration happens at startup, lookups thereafter.
type ModelRegistry struct {
	models map[string]interface{}
	mutex  sync.RWMutex
}

var defaultRegistry = NewModelRegistry()

// NewModelRegistry returns an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models: make(map[string]interface{}),
	}
}

// RegisterModel stores model under name. The model must be (or point to,
// or be a slice/array of) a struct; pointers and element types are
// unwrapped to the zero-value struct so lookups always return a plain
// value. Registering the same name twice is an error.
func (r *ModelRegistry) RegisterModel(name string, model interface{}) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.models[name]; exists {
		return fmt.Errorf("model %s already registered", name)
	}

	modelType := reflect.TypeOf(model)
	if modelType == nil {
		return fmt.Errorf("model cannot be nil")
	}

	originalType := modelType
	for modelType.Kind() == reflect.Ptr || modelType.Kind() == reflect.Slice || modelType.Kind() == reflect.Array {
		modelType = modelType.Elem()
	}
	if modelType.Kind() != reflect.Struct {
		return fmt.Errorf("model must be a struct or pointer to struct, got %s", originalType.String())
	}
	if originalType != modelType {
		model = reflect.New(modelType).Elem().Interface()
	}

	r.models[name] = model
	return nil
}

// GetModel returns the struct registered under name.
func (r *ModelRegistry) GetModel(name string) (interface{}, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	model, exists := r.models[name]
	if !exists {
		return nil, fmt.Errorf("model %s not found", name)
	}
	return model, nil
}

// GetAllModels returns a copy of the name-to-struct map.
func (r *ModelRegistry) GetAllModels() map[string]interface{} {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make(map[string]interface{}, len(r.models))
	for k, v := range r.models {
		result[k] = v
	}
	return result
}

// RegisterModel registers a model with the package-level registry.
func RegisterModel(model interface{}, name string) error {
	return defaultRegistry.RegisterModel(name, model)
}

// GetModelByName looks name up in the package-level registry.
func GetModelByName(name string) (interface{}, error) {
	return defaultRegistry.GetModel(name)
}

// IterateModels walks every model in the package-level registry.
func IterateModels(fn func(name string, model interface{})) {
	for name, model := range defaultRegistry.GetAllModels() {
		fn(name, model)
	}
}
