package modelregistry

import (
	"testing"
)

type article struct {
	ID    int64
	Title string
}

func TestRegisterAndGetModel(t *testing.T) {
	reg := NewModelRegistry()

	if err := reg.RegisterModel("articles", article{}); err != nil {
		t.Fatalf("RegisterModel: %v", err)
	}
	if err := reg.RegisterModel("articles", article{}); err == nil {
		t.Error("re-registering the same name should fail")
	}

	got, err := reg.GetModel("articles")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if _, ok := got.(article); !ok {
		t.Errorf("GetModel returned %T, want article", got)
	}

	if _, err := reg.GetModel("missing"); err == nil {
		t.Error("GetModel should fail for an unknown name")
	}
}

func TestRegisterModelUnwrapsPointersAndSlices(t *testing.T) {
	cases := map[string]interface{}{
		"by_pointer": &article{},
		"by_slice":   []article{},
	}
	for name, model := range cases {
		reg := NewModelRegistry()
		if err := reg.RegisterModel(name, model); err != nil {
			t.Fatalf("RegisterModel(%s): %v", name, err)
		}
		got, err := reg.GetModel(name)
		if err != nil {
			t.Fatalf("GetModel(%s): %v", name, err)
		}
		if _, ok := got.(article); !ok {
			t.Errorf("GetModel(%s) returned %T, want the unwrapped struct", name, got)
		}
	}
}

func TestRegisterModelRejectsNonStructs(t *testing.T) {
	reg := NewModelRegistry()
	if err := reg.RegisterModel("bad", 42); err == nil {
		t.Error("RegisterModel should reject a non-struct")
	}
	if err := reg.RegisterModel("nil", nil); err == nil {
		t.Error("RegisterModel should reject nil")
	}
}

func TestPackageLevelRegistry(t *testing.T) {
	if err := RegisterModel(article{}, "modelregistry_test_articles"); err != nil {
		t.Fatalf("RegisterModel: %v", err)
	}

	if _, err := GetModelByName("modelregistry_test_articles"); err != nil {
		t.Errorf("GetModelByName: %v", err)
	}

	seen := false
	IterateModels(func(name string, model interface{}) {
		if name == "modelregistry_test_articles" {
			seen = true
		}
	})
	if !seen {
		t.Error("IterateModels should visit the registered model")
	}
}
