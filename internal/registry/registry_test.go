package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/edgebridge/edgebridge/internal/event"
	"github.com/edgebridge/edgebridge/pkg/plugin"
	"go.uber.org/zap"
)

// fakeModule is a minimal plugin.Plugin for lifecycle tests.
type fakeModule struct {
	info     plugin.PluginInfo
	initErr  error
	startErr error

	initCalled  bool
	startCalled bool
	stopCalled  bool
}

func (f *fakeModule) Info() plugin.PluginInfo { return f.info }

func (f *fakeModule) Init(_ context.Context, _ plugin.Dependencies) error {
	f.initCalled = true
	return f.initErr
}

func (f *fakeModule) Start(_ context.Context) error {
	f.startCalled = true
	return f.startErr
}

func (f *fakeModule) Stop(_ context.Context) error {
	f.stopCalled = true
	return nil
}

func newFake(name string, deps ...string) *fakeModule {
	return &fakeModule{info: plugin.PluginInfo{
		Name:         name,
		Version:      "0.1.0",
		Dependencies: deps,
		APIVersion:   plugin.APIVersion,
	}}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(zap.NewNop(), event.NewBus(zap.NewNop()))
}

func noDeps(string) plugin.Dependencies { return plugin.Dependencies{} }

func TestRegister_rejects_duplicates(t *testing.T) {
	r := testRegistry(t)
	if err := r.Register(newFake("mqtt")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(newFake("mqtt")); err == nil {
		t.Error("expected error on duplicate registration, got nil")
	}
}

func TestRegister_rejects_empty_name(t *testing.T) {
	r := testRegistry(t)
	if err := r.Register(&fakeModule{info: plugin.PluginInfo{APIVersion: plugin.APIVersion}}); err == nil {
		t.Error("expected error for empty name, got nil")
	}
}

func TestRegister_rejects_wrong_api_version(t *testing.T) {
	r := testRegistry(t)
	m := newFake("mqtt")
	m.info.APIVersion = plugin.APIVersion + 1
	if err := r.Register(m); err == nil {
		t.Error("expected error for wrong API version, got nil")
	}
}

func TestValidate_orders_dependencies_first(t *testing.T) {
	r := testRegistry(t)
	mcp := newFake("mcp", "fleet", "mqtt")
	fleet := newFake("fleet")
	mqtt := newFake("mqtt")
	for _, m := range []*fakeModule{mcp, fleet, mqtt} {
		if err := r.Register(m); err != nil {
			t.Fatalf("Register(%s): %v", m.info.Name, err)
		}
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	pos := make(map[string]int)
	for i, name := range r.order {
		pos[name] = i
	}
	if pos["mcp"] < pos["fleet"] || pos["mcp"] < pos["mqtt"] {
		t.Errorf("mcp must start after its dependencies; order = %v", r.order)
	}
}

func TestValidate_detects_cycle(t *testing.T) {
	r := testRegistry(t)
	r.Register(newFake("a", "b"))
	r.Register(newFake("b", "a"))
	if err := r.Validate(); err == nil {
		t.Error("expected cycle error, got nil")
	}
}

func TestValidate_missing_dep_disables_optional(t *testing.T) {
	r := testRegistry(t)
	r.Register(newFake("mcp", "nonexistent"))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !r.IsDisabled("mcp") {
		t.Error("optional module with missing dependency should be disabled")
	}
}

func TestValidate_missing_dep_fails_required(t *testing.T) {
	r := testRegistry(t)
	m := newFake("fleet", "nonexistent")
	m.info.Required = true
	r.Register(m)
	if err := r.Validate(); err == nil {
		t.Error("expected error for required module with missing dependency")
	}
}

func TestInitAll_disables_optional_on_error(t *testing.T) {
	r := testRegistry(t)
	bad := newFake("bad")
	bad.initErr = errors.New("init failed")
	good := newFake("good")
	r.Register(bad)
	r.Register(good)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if !r.IsDisabled("bad") {
		t.Error("failing optional module should be disabled")
	}
	if !good.initCalled {
		t.Error("healthy module should still be initialized")
	}
}

func TestInitAll_required_failure_aborts(t *testing.T) {
	r := testRegistry(t)
	bad := newFake("bad")
	bad.initErr = errors.New("init failed")
	bad.info.Required = true
	r.Register(bad)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err == nil {
		t.Error("expected error when a required module fails Init")
	}
}

func TestStopAll_reverses_start_order(t *testing.T) {
	r := testRegistry(t)
	fleet := newFake("fleet")
	mcp := newFake("mcp", "fleet")
	r.Register(fleet)
	r.Register(mcp)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	r.StopAll(context.Background())

	if !fleet.stopCalled || !mcp.stopCalled {
		t.Error("all modules should be stopped")
	}
}

func TestResolve_skips_disabled(t *testing.T) {
	r := testRegistry(t)
	r.Register(newFake("mcp", "nonexistent"))
	r.Register(newFake("fleet"))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if _, ok := r.Resolve("mcp"); ok {
		t.Error("Resolve should not return disabled modules")
	}
	if _, ok := r.Resolve("fleet"); !ok {
		t.Error("Resolve should return active modules")
	}
}
