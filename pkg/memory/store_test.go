package memory_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/conversify/pkg/memory"
	"github.com/MrWong99/conversify/pkg/types"
)

func TestApplySearchOpts_Defaults(t *testing.T) {
	p := memory.ApplySearchOpts(nil)
	if p.Limit != memory.DefaultSearchLimit {
		t.Errorf("Limit: want %d, got %d", memory.DefaultSearchLimit, p.Limit)
	}
	if !p.Allows(types.MemoryKnowledge) || !p.Allows(types.MemoryInteraction) {
		t.Error("empty kind filter should allow every kind")
	}
}

func TestApplySearchOpts(t *testing.T) {
	p := memory.ApplySearchOpts([]memory.SearchOpt{
		memory.WithKinds(types.MemoryKnowledge),
		memory.WithLimit(3),
		memory.WithMinScore(0.4),
		memory.WithText("dragons"),
	})
	if p.Limit != 3 || p.MinScore != 0.4 || p.Text != "dragons" {
		t.Errorf("unexpected params: %+v", p)
	}
	if p.Allows(types.MemoryInteraction) {
		t.Error("interaction should be filtered out")
	}
	if !p.Allows(types.MemoryKnowledge) {
		t.Error("knowledge should be allowed")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		rec  types.MemoryRecord
		ok   bool
	}{
		{"complete", types.MemoryRecord{Key: "k", Participant: "p", Value: "v"}, true},
		{"no key", types.MemoryRecord{Participant: "p", Value: "v"}, false},
		{"no participant", types.MemoryRecord{Key: "k", Value: "v"}, false},
		{"no value", types.MemoryRecord{Key: "k", Participant: "p"}, false},
	}
	for _, tt := range tests {
		err := memory.Validate(tt.rec)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, memory.ErrInvalidRecord) {
			t.Errorf("%s: want ErrInvalidRecord, got %v", tt.name, err)
		}
	}
}
