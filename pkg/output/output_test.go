package output

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriteJSONSingle(t *testing.T) {
	var buf bytes.Buffer
	env := New("queue-add-response", map[string]int{"position": 1})
	if err := WriteJSON(&buf, env); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var decoded Envelope[map[string]int]
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Kind != "queue-add-response" {
		t.Fatalf("expected kind queue-add-response, got %s", decoded.Kind)
	}
	if decoded.Cardinality != Single {
		t.Fatalf("expected single cardinality, got %s", decoded.Cardinality)
	}
	if decoded.Data["position"] != 1 {
		t.Fatalf("expected position 1, got %d", decoded.Data["position"])
	}
}

func TestWriteJSONMany(t *testing.T) {
	var buf bytes.Buffer
	env := NewMany("queue-list-response", []string{"a", "b"})
	if err := WriteJSON(&buf, env); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if env.Cardinality != Many {
		t.Fatalf("expected many cardinality, got %s", env.Cardinality)
	}
}
