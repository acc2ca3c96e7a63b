package state

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLoadEmptyStoreYieldsZeroState(t *testing.T) {
	store := openTestStore(t)
	st, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Story != "" || st.TurnIndex != 0 {
		t.Fatalf("expected zero state, got %+v", st)
	}
}

func TestStoryRoundTripIsByteExact(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stories := []string{
		"",
		"plain text",
		"trailing whitespace   \n\n",
		"NARRATIVE:\nok\n\nACTIONS:\nleft_click(1, 2)",
		"nul byte \x00 inside",
		"control \x01\x02\x03 and unicode é世界",
		"\nleading and trailing\n",
	}
	for _, story := range stories {
		if err := store.Save(ctx, TurnState{Story: story, TurnIndex: 3}); err != nil {
			t.Fatalf("save %q: %v", story, err)
		}
		st, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if st.Story != story {
			t.Fatalf("story round trip mismatch: saved %q, loaded %q", story, st.Story)
		}
	}
}

func TestRecordTurnAdvancesState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := TurnRecord{
		RunID:     "run-1",
		TurnIndex: 1,
		Story:     "",
		Response:  "NARRATIVE:\nfirst\n\nACTIONS:\nscreenshot()",
		Executed:  []string{},
		Ignored:   []string{"screenshot()"},
	}
	if err := store.RecordTurn(ctx, rec); err != nil {
		t.Fatalf("record turn: %v", err)
	}

	st, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Story != rec.Response {
		t.Fatalf("state story = %q, want the recorded response", st.Story)
	}
	if st.TurnIndex != 1 {
		t.Fatalf("turn index = %d, want the completed turn", st.TurnIndex)
	}

	rec.TurnIndex = st.TurnIndex + 1
	rec.Response = "second"
	if err := store.RecordTurn(ctx, rec); err != nil {
		t.Fatalf("record turn 2: %v", err)
	}
	st, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.TurnIndex != 2 || st.Story != "second" {
		t.Fatalf("state after turn 2 = %+v", st)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := store.RecordTurn(ctx, TurnRecord{
			RunID:     "run-1",
			TurnIndex: i,
			Response:  "resp",
			Executed:  []string{"left_click(1, 2)"},
			Ignored:   []string{},
		})
		if err != nil {
			t.Fatalf("record turn %d: %v", i, err)
		}
	}

	records, err := store.History(ctx, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].TurnIndex != 3 || records[1].TurnIndex != 2 {
		t.Fatalf("unexpected order: %d, %d", records[0].TurnIndex, records[1].TurnIndex)
	}
	if len(records[0].Executed) != 1 || records[0].Executed[0] != "left_click(1, 2)" {
		t.Fatalf("executed = %v", records[0].Executed)
	}
}

func TestResetClearsStateAndHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.RecordTurn(ctx, TurnRecord{RunID: "r", TurnIndex: 1, Response: "x"}); err != nil {
		t.Fatalf("record turn: %v", err)
	}
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	st, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Story != "" || st.TurnIndex != 0 {
		t.Fatalf("state survived reset: %+v", st)
	}
	records, err := store.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("history survived reset: %v", records)
	}
}
