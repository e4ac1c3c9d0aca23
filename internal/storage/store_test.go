package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:" + name + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(v string) *string { return &v }

func TestPlatformCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertPlatform(ctx, Platform{Name: "openai", BaseURL: "https://api.openai.com/v1", IsSys: true})
	if err != nil {
		t.Fatalf("insert platform: %v", err)
	}

	p, err := s.GetPlatformByName(ctx, "openai")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if p.ID != id || !p.IsSys || p.Hidden {
		t.Fatalf("unexpected platform: %+v", p)
	}

	if err := s.UpdatePlatformDetails(ctx, id, "openai-us", "https://us.openai.com/v1"); err != nil {
		t.Fatalf("update details: %v", err)
	}
	p, err = s.GetPlatformByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if p.Name != "openai-us" || p.BaseURL != "https://us.openai.com/v1" {
		t.Fatalf("update not applied: %+v", p)
	}

	if err := s.SetPlatformHidden(ctx, id, true); err != nil {
		t.Fatalf("set hidden: %v", err)
	}
	p, _ = s.GetPlatformByID(ctx, id)
	if !p.Hidden {
		t.Fatalf("expected hidden platform")
	}

	if _, err := s.GetPlatformByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPlatformsSplitsSysAndUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertPlatform(ctx, Platform{Name: "sys-a", BaseURL: "https://a/v1", IsSys: true}); err != nil {
		t.Fatalf("insert sys: %v", err)
	}
	if _, err := s.InsertPlatform(ctx, Platform{Name: "mine", BaseURL: "https://m/v1", OwnerID: strPtr("u1")}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := s.InsertPlatform(ctx, Platform{Name: "theirs", BaseURL: "https://t/v1", OwnerID: strPtr("u2")}); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	sys, err := s.ListSystemPlatforms(ctx)
	if err != nil {
		t.Fatalf("list sys: %v", err)
	}
	if len(sys) != 1 || sys[0].Name != "sys-a" {
		t.Fatalf("unexpected sys platforms: %+v", sys)
	}

	mine, err := s.ListUserPlatforms(ctx, "u1")
	if err != nil {
		t.Fatalf("list user: %v", err)
	}
	if len(mine) != 1 || mine[0].Name != "mine" {
		t.Fatalf("unexpected user platforms: %+v", mine)
	}

	n, err := s.CountSystemPlatforms(ctx)
	if err != nil {
		t.Fatalf("count sys: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 system platform, got %d", n)
	}
}

func TestDeletePlatformCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pid, err := s.InsertPlatform(ctx, Platform{Name: "p", BaseURL: "https://p/v1", IsSys: true})
	if err != nil {
		t.Fatalf("insert platform: %v", err)
	}
	mid, err := s.InsertModel(ctx, Model{PlatformID: pid, ModelName: "m-1"})
	if err != nil {
		t.Fatalf("insert model: %v", err)
	}
	if err := s.UpsertSysPlatformKey(ctx, "u1", pid, "enc"); err != nil {
		t.Fatalf("upsert key: %v", err)
	}

	if err := s.DeletePlatform(ctx, pid); err != nil {
		t.Fatalf("delete platform: %v", err)
	}

	if _, err := s.GetPlatformByID(ctx, pid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("platform survived delete: %v", err)
	}
	if _, err := s.GetModelByID(ctx, mid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("model survived delete: %v", err)
	}
	if _, err := s.GetSysPlatformKey(ctx, "u1", pid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("key survived delete: %v", err)
	}
}

func TestModelCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pid, err := s.InsertPlatform(ctx, Platform{Name: "p", BaseURL: "https://p/v1", IsSys: true})
	if err != nil {
		t.Fatalf("insert platform: %v", err)
	}

	first, err := s.InsertModel(ctx, Model{PlatformID: pid, ModelName: "m-1", DisplayName: "One"})
	if err != nil {
		t.Fatalf("insert model: %v", err)
	}
	if _, err := s.InsertModel(ctx, Model{PlatformID: pid, ModelName: "m-2"}); err != nil {
		t.Fatalf("insert second model: %v", err)
	}

	models, err := s.ListModelsByPlatform(ctx, pid)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 || models[0].ModelName != "m-1" {
		t.Fatalf("unexpected model list: %+v", models)
	}

	if err := s.UpdateModel(ctx, first, "One Renamed", strPtr(`{"temperature":0.1}`)); err != nil {
		t.Fatalf("update model: %v", err)
	}
	m, err := s.GetModelByID(ctx, first)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if m.DisplayName != "One Renamed" || m.ExtraParamsJSON == nil || *m.ExtraParamsJSON != `{"temperature":0.1}` {
		t.Fatalf("update not applied: %+v", m)
	}

	if err := s.SetModelHidden(ctx, first, true); err != nil {
		t.Fatalf("set model hidden: %v", err)
	}
	if err := s.DeleteModel(ctx, first); err != nil {
		t.Fatalf("delete model: %v", err)
	}
	if err := s.DeleteModel(ctx, first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSysPlatformKeyUpsertReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pid, err := s.InsertPlatform(ctx, Platform{Name: "p", BaseURL: "https://p/v1", IsSys: true})
	if err != nil {
		t.Fatalf("insert platform: %v", err)
	}

	if err := s.UpsertSysPlatformKey(ctx, "u1", pid, "enc-v1"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertSysPlatformKey(ctx, "u1", pid, "enc-v2"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	k, err := s.GetSysPlatformKey(ctx, "u1", pid)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if k.EncAPIKey != "enc-v2" {
		t.Fatalf("expected replaced key, got %q", k.EncAPIKey)
	}

	if err := s.DeleteSysPlatformKey(ctx, "u1", pid); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if _, err := s.GetSysPlatformKey(ctx, "u1", pid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteSysPlatformKey(ctx, "u1", pid); err != nil {
		t.Fatalf("deleting absent key should not error: %v", err)
	}
}

func TestInsertSelectionIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sel := UsageSelection{UserID: "u1", UsageKey: "main", UsageLabel: "Main", PlatformID: 1, ModelID: 1}
	inserted, err := s.InsertSelectionIfAbsent(ctx, sel)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to win")
	}

	sel.ModelID = 99
	inserted, err = s.InsertSelectionIfAbsent(ctx, sel)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatalf("expected second insert to lose")
	}

	got, err := s.GetSelection(ctx, "u1", "main")
	if err != nil {
		t.Fatalf("get selection: %v", err)
	}
	if got.ModelID != 1 {
		t.Fatalf("loser overwrote winner: %+v", got)
	}
}

func TestSelectionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertSelection(ctx, UsageSelection{UserID: "u1", UsageKey: "main", UsageLabel: "Main", PlatformID: 1, ModelID: 2}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertSelection(ctx, UsageSelection{UserID: "u1", UsageKey: "draft", UsageLabel: "Draft", PlatformID: 1, ModelID: 3}); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	if err := s.UpdateSelectionTarget(ctx, "u1", "main", 2, 5); err != nil {
		t.Fatalf("update target: %v", err)
	}
	if err := s.RenameSelection(ctx, "u1", "draft", "Drafting"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	list, err := s.ListSelections(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 selections, got %d", len(list))
	}
	if list[0].PlatformID != 2 || list[0].ModelID != 5 {
		t.Fatalf("target update lost: %+v", list[0])
	}
	if list[1].UsageLabel != "Drafting" {
		t.Fatalf("rename lost: %+v", list[1])
	}

	if err := s.DeleteSelection(ctx, "u1", "draft"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteSelection(ctx, "u1", "draft"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAgentBindingUpsertAndSwitchType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAgentBinding(ctx, AgentBinding{
		UserID: "u1", AgentName: "coder", TargetType: "usage", UsageKey: strPtr("fast"),
	}); err != nil {
		t.Fatalf("upsert usage binding: %v", err)
	}

	pid := int64(7)
	mid := int64(8)
	if err := s.UpsertAgentBinding(ctx, AgentBinding{
		UserID: "u1", AgentName: "coder", TargetType: "direct", PlatformID: &pid, ModelID: &mid,
	}); err != nil {
		t.Fatalf("upsert direct binding: %v", err)
	}

	b, err := s.GetAgentBinding(ctx, "u1", "coder")
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if b.TargetType != "direct" || b.UsageKey != nil || b.PlatformID == nil || *b.PlatformID != 7 {
		t.Fatalf("binding not replaced: %+v", b)
	}

	list, err := s.ListAgentBindings(ctx, "u1")
	if err != nil {
		t.Fatalf("list bindings: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(list))
	}

	if err := s.DeleteAgentBinding(ctx, "u1", "coder"); err != nil {
		t.Fatalf("delete binding: %v", err)
	}
	if _, err := s.GetAgentBinding(ctx, "u1", "coder"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUsageAggregates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pid, err := s.InsertPlatform(ctx, Platform{Name: "p", BaseURL: "https://p/v1", IsSys: true})
	if err != nil {
		t.Fatalf("insert platform: %v", err)
	}
	mid, err := s.InsertModel(ctx, Model{PlatformID: pid, ModelName: "m-1", DisplayName: "One"})
	if err != nil {
		t.Fatalf("insert model: %v", err)
	}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []UsageEntry{
		{UserID: "u1", ModelID: mid, Agent: "coder", PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30, Success: true, CreatedAt: base},
		{UserID: "u1", ModelID: mid, Agent: "coder", PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10, Success: false, CreatedAt: base.Add(time.Hour)},
		{UserID: "u1", ModelID: 4242, Agent: "", PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2, Success: true, CreatedAt: base.Add(2 * time.Hour)},
		{UserID: "u2", ModelID: mid, Agent: "coder", PromptTokens: 100, CompletionTokens: 100, TotalTokens: 200, Success: true, CreatedAt: base},
	}
	for _, e := range entries {
		if _, err := s.InsertUsageEntry(ctx, e); err != nil {
			t.Fatalf("insert entry: %v", err)
		}
	}

	totals, err := s.SumUsage(ctx, "u1", nil, nil)
	if err != nil {
		t.Fatalf("sum usage: %v", err)
	}
	if totals.TotalTokens != 42 || totals.Requests != 3 || totals.Errors != 1 {
		t.Fatalf("unexpected totals: %+v", totals)
	}

	until := base.Add(90 * time.Minute)
	windowed, err := s.SumUsage(ctx, "u1", &base, &until)
	if err != nil {
		t.Fatalf("windowed sum: %v", err)
	}
	if windowed.TotalTokens != 40 || windowed.Requests != 2 {
		t.Fatalf("unexpected windowed totals: %+v", windowed)
	}

	byModel, err := s.UsageByModel(ctx, "u1", nil, nil)
	if err != nil {
		t.Fatalf("usage by model: %v", err)
	}
	if len(byModel) != 2 {
		t.Fatalf("expected 2 model rows, got %d", len(byModel))
	}
	if byModel[0].ModelID != mid || byModel[0].ModelName != "m-1" || byModel[0].PlatformName != "p" {
		t.Fatalf("unexpected top model row: %+v", byModel[0])
	}
	if byModel[1].ModelID != 4242 || byModel[1].ModelName != "" {
		t.Fatalf("deleted-model row should keep id with empty names: %+v", byModel[1])
	}

	byAgent, err := s.UsageByAgent(ctx, "u1", nil, nil)
	if err != nil {
		t.Fatalf("usage by agent: %v", err)
	}
	if len(byAgent) != 2 || byAgent[0].Agent != "coder" || byAgent[0].TotalTokens != 40 {
		t.Fatalf("unexpected agent rows: %+v", byAgent)
	}

	points, err := s.UsagePointsSince(ctx, "u1", base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("usage points: %v", err)
	}
	if len(points) != 2 || points[0].Tokens != 10 {
		t.Fatalf("unexpected points: %+v", points)
	}
}

func TestPurgeUsageBoundary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cutoff := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	older := UsageEntry{UserID: "u1", ModelID: 1, TotalTokens: 1, Success: true, CreatedAt: cutoff.Add(-time.Second)}
	atCutoff := UsageEntry{UserID: "u1", ModelID: 1, TotalTokens: 2, Success: true, CreatedAt: cutoff}
	newer := UsageEntry{UserID: "u1", ModelID: 1, TotalTokens: 3, Success: true, CreatedAt: cutoff.Add(time.Second)}
	for _, e := range []UsageEntry{older, atCutoff, newer} {
		if _, err := s.InsertUsageEntry(ctx, e); err != nil {
			t.Fatalf("insert entry: %v", err)
		}
	}

	n, err := s.PurgeUsageOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}

	left, err := s.ListRecentUsage(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent usage: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("expected 2 surviving rows, got %d", len(left))
	}
	if left[0].TotalTokens != 3 || left[1].TotalTokens != 2 {
		t.Fatalf("unexpected survivors: %+v", left)
	}
}

func TestListRecentUsageOrdersByTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// inserted newest-first so insertion order and time order disagree
	for _, e := range []UsageEntry{
		{UserID: "u1", ModelID: 1, TotalTokens: 3, Success: true, CreatedAt: base.Add(2 * time.Hour)},
		{UserID: "u1", ModelID: 1, TotalTokens: 1, Success: true, CreatedAt: base},
		{UserID: "u1", ModelID: 1, TotalTokens: 2, Success: true, CreatedAt: base.Add(time.Hour)},
	} {
		if _, err := s.InsertUsageEntry(ctx, e); err != nil {
			t.Fatalf("insert entry: %v", err)
		}
	}

	rows, err := s.ListRecentUsage(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent usage: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].TotalTokens != 3 || rows[1].TotalTokens != 2 || rows[2].TotalTokens != 1 {
		t.Fatalf("expected newest-first by created_at: %+v", rows)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.InsertPlatform(ctx, Platform{Name: "doomed", BaseURL: "https://d/v1", IsSys: true}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	if _, err := s.GetPlatformByName(ctx, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}
