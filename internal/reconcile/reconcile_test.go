package reconcile

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"llmgate/internal/catalog"
	"llmgate/internal/storage"
)

type plainSealer struct{}

func (plainSealer) EncryptString(v string) (string, error) { return "enc:" + v, nil }

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:" + name + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	s, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	s := openTestStore(t)
	return NewEngine(s, plainSealer{}, zerolog.Nop(), nil), s
}

func testCatalog() catalog.Catalog {
	return catalog.Catalog{Platforms: []catalog.Platform{
		{
			Name:    "openai",
			BaseURL: "https://api.openai.com/v1",
			APIKey:  "sk-open",
			Models: []catalog.Model{
				{ModelName: "gpt-4o", DisplayName: "GPT-4o"},
				{ModelName: "gpt-4o-mini", DisplayName: "GPT-4o mini"},
			},
		},
		{
			Name:    "deepseek",
			BaseURL: "https://api.deepseek.com",
			Models:  []catalog.Model{{ModelName: "deepseek-chat"}},
		},
	}}
}

func TestFirstInitSeedsEmptyStore(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	report, err := e.Reconcile(ctx, testCatalog(), FirstInit)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.PlatformsAdded != 2 || report.ModelsAdded != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	p, err := s.GetPlatformByName(ctx, "openai")
	if err != nil {
		t.Fatalf("get platform: %v", err)
	}
	if !p.IsSys || p.EncAPIKey == nil || *p.EncAPIKey != "enc:sk-open" {
		t.Fatalf("unexpected platform: %+v", p)
	}

	ds, err := s.GetPlatformByName(ctx, "deepseek")
	if err != nil {
		t.Fatalf("get deepseek: %v", err)
	}
	if ds.BaseURL != "https://api.deepseek.com/v1" {
		t.Fatalf("base url not normalized: %q", ds.BaseURL)
	}
	if ds.EncAPIKey != nil {
		t.Fatalf("empty catalog key should store nil")
	}
}

func TestFirstInitRefusesSeededStore(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	if _, err := s.InsertPlatform(ctx, storage.Platform{Name: "existing", BaseURL: "https://e/v1", IsSys: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := e.Reconcile(ctx, testCatalog(), FirstInit); err == nil {
		t.Fatalf("expected error on seeded store")
	}
}

func TestIncrementalIsIdempotentAndAdditive(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	cat := testCatalog()
	if _, err := e.Reconcile(ctx, cat, FirstInit); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// same catalog again: nothing to do
	report, err := e.Reconcile(ctx, cat, Incremental)
	if err != nil {
		t.Fatalf("incremental: %v", err)
	}
	if report.PlatformsAdded != 0 || report.ModelsAdded != 0 {
		t.Fatalf("expected no-op, got %+v", report)
	}

	// operator hides a model, then a new model and platform appear in the catalog
	p, _ := s.GetPlatformByName(ctx, "openai")
	models, _ := s.ListModelsByPlatform(ctx, p.ID)
	if err := s.SetModelHidden(ctx, models[0].ID, true); err != nil {
		t.Fatalf("hide model: %v", err)
	}

	cat.Platforms[0].Models = append(cat.Platforms[0].Models, catalog.Model{ModelName: "o3"})
	cat.Platforms = append(cat.Platforms, catalog.Platform{
		Name: "qwen", BaseURL: "https://dashscope.aliyuncs.com/v1",
		Models: []catalog.Model{{ModelName: "qwen-max"}},
	})

	report, err = e.Reconcile(ctx, cat, Incremental)
	if err != nil {
		t.Fatalf("incremental grow: %v", err)
	}
	if report.PlatformsAdded != 1 || report.ModelsAdded != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	// the hidden flag on an existing row survives
	m, err := s.GetModelByID(ctx, models[0].ID)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if !m.Hidden {
		t.Fatalf("incremental touched an existing row")
	}
}

func TestForceResetRewritesDeclaredPreservesOverrides(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	cat := testCatalog()
	if _, err := e.Reconcile(ctx, cat, FirstInit); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p, _ := s.GetPlatformByName(ctx, "openai")
	if err := s.UpsertSysPlatformKey(ctx, "u1", p.ID, "enc:user-key"); err != nil {
		t.Fatalf("user key: %v", err)
	}
	// operator drift: extra model and changed base url
	if _, err := s.InsertModel(ctx, storage.Model{PlatformID: p.ID, ModelName: "stray"}); err != nil {
		t.Fatalf("stray model: %v", err)
	}
	if err := s.UpdatePlatformDetails(ctx, p.ID, "openai", "https://drifted/v1"); err != nil {
		t.Fatalf("drift: %v", err)
	}
	// an undeclared platform stays untouched
	undeclared, err := s.InsertPlatform(ctx, storage.Platform{Name: "legacy", BaseURL: "https://l/v1", IsSys: true})
	if err != nil {
		t.Fatalf("undeclared: %v", err)
	}

	report, err := e.Reconcile(ctx, cat, ForceReset)
	if err != nil {
		t.Fatalf("force reset: %v", err)
	}
	if report.PlatformsReset != 2 || report.ModelsAdded != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	p, _ = s.GetPlatformByName(ctx, "openai")
	if p.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("base url not reset: %q", p.BaseURL)
	}
	models, _ := s.ListModelsByPlatform(ctx, p.ID)
	if len(models) != 2 {
		t.Fatalf("model set not reset: %+v", models)
	}

	if _, err := s.GetSysPlatformKey(ctx, "u1", p.ID); err != nil {
		t.Fatalf("user override lost: %v", err)
	}
	if _, err := s.GetPlatformByID(ctx, undeclared); err != nil {
		t.Fatalf("undeclared platform lost: %v", err)
	}
}

func TestMalformedEntriesAreSkipped(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	cat := catalog.Catalog{Platforms: []catalog.Platform{
		{Name: "", BaseURL: "https://x/v1"},
		{Name: "nourl", BaseURL: "  "},
		{Name: "ok", BaseURL: "https://ok/v1", Models: []catalog.Model{
			{ModelName: ""},
			{ModelName: "real"},
		}},
	}}
	report, err := e.Reconcile(ctx, cat, FirstInit)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.PlatformsAdded != 1 || report.ModelsAdded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Skipped) != 3 {
		t.Fatalf("expected 3 skipped entries, got %+v", report.Skipped)
	}
}

func TestAutoStrategy(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	strat, err := e.AutoStrategy(ctx)
	if err != nil {
		t.Fatalf("auto strategy: %v", err)
	}
	if strat != FirstInit {
		t.Fatalf("expected first_init on empty store, got %s", strat)
	}

	if _, err := s.InsertPlatform(ctx, storage.Platform{Name: "p", BaseURL: "https://p/v1", IsSys: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	strat, err = e.AutoStrategy(ctx)
	if err != nil {
		t.Fatalf("auto strategy: %v", err)
	}
	if strat != Incremental {
		t.Fatalf("expected incremental on seeded store, got %s", strat)
	}
}
