package trace

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDisabledCollectorIsNil(t *testing.T) {
	c := New("find", false, 10)
	c.Event("vector", "search", "ok", nil)
	c.Count("vector.search_calls", 1)
	if res := c.Finish("ok"); res != nil {
		t.Fatal("disabled collector must return nil result")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.Event("x", "y", "ok", nil)
	c.Count("k", 1)
	c.Set("g", 2)
	c.AddTokenUsage(1, 2)
	if c.Finish("ok") != nil {
		t.Fatal("nil collector must be a no-op")
	}
}

func TestCollectAndFinish(t *testing.T) {
	c := New("find", true, 10)
	c.Event("vector", "search", "ok", map[string]interface{}{"limit": 40})
	c.Count("vector.search_calls", 1)
	c.Count("vector.candidates_scored", 12)
	c.Count("vector.candidates_after_threshold", 7)
	c.Set("vector.returned", 5)
	c.AddTokenUsage(100, 20)
	c.Set("semantic_nodes.total_nodes", 3)
	c.Set("semantic_nodes.done_nodes", 3)

	res := c.Finish("ok")
	if res == nil {
		t.Fatal("enabled collector must produce a result")
	}
	if res.SchemaVersion != "v1" {
		t.Errorf("schema_version = %s", res.SchemaVersion)
	}
	s := res.Summary
	if !strings.HasPrefix(s.TraceID, "tr_") {
		t.Errorf("trace id = %s", s.TraceID)
	}
	if s.Vector.SearchCalls != 1 || s.Vector.CandidatesScored != 12 || s.Vector.Returned != 5 {
		t.Errorf("vector summary wrong: %+v", s.Vector)
	}
	if s.TokenUsage.TotalTokens != 120 {
		t.Errorf("token usage wrong: %+v", s.TokenUsage)
	}
	if s.SemanticNodes.TotalNodes == nil || *s.SemanticNodes.TotalNodes != 3 {
		t.Errorf("semantic nodes wrong: %+v", s.SemanticNodes)
	}
	if len(res.Events) != 1 || res.Events[0].Name != "search" {
		t.Errorf("events wrong: %+v", res.Events)
	}
}

func TestNonApplicableFieldsAreNull(t *testing.T) {
	c := New("ls", true, 10)
	res := c.Finish("ok")

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	json.Unmarshal(data, &decoded)
	summary := decoded["summary"].(map[string]interface{})
	nodes := summary["semantic_nodes"].(map[string]interface{})
	if nodes["total_nodes"] != nil {
		t.Errorf("unset gauge must serialise as null, got %v", nodes["total_nodes"])
	}
	mem := summary["memory"].(map[string]interface{})
	if mem["memories_extracted"] != nil {
		t.Errorf("unset memory gauge must serialise as null")
	}
}

func TestEventCapAndDropAccounting(t *testing.T) {
	c := New("find", true, 3)
	for i := 0; i < 10; i++ {
		c.Event("s", "e", "ok", nil)
	}
	res := c.Finish("ok")
	if len(res.Events) != 3 {
		t.Errorf("events = %d, want 3", len(res.Events))
	}
	if !res.Summary.EventsTruncated || res.Summary.DroppedEvents != 7 {
		t.Errorf("drop accounting wrong: truncated=%v dropped=%d",
			res.Summary.EventsTruncated, res.Summary.DroppedEvents)
	}
}

func TestSetError_FirstWins(t *testing.T) {
	c := New("commit", true, 10)
	c.SetError("distil", "DEPENDENCY_ERROR", "llm down")
	c.SetError("promote", "NOT_FOUND", "later error ignored")
	res := c.Finish("error")
	if res.Summary.Errors.ErrorCode != "DEPENDENCY_ERROR" || res.Summary.Errors.ErrorStage != "distil" {
		t.Errorf("errors wrong: %+v", res.Summary.Errors)
	}
}
