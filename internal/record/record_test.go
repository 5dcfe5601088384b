package record

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"
)

func TestParseAndString(t *testing.T) {
	cases := []struct {
		raw  string
		want ID
	}{
		{raw: "#1:2", want: New(1, 2)},
		{raw: "12:0", want: New(12, 0)},
		{raw: " #-1:-3 ", want: New(-1, -3)},
	}
	for _, tc := range cases {
		got, err := Parse(tc.raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q)=%v want %v", tc.raw, got, tc.want)
		}
	}
	if got := New(3, 14).String(); got != "#3:14" {
		t.Fatalf("String()=%q", got)
	}
	for _, bad := range []string{"", "#1", "#a:1", "#1:b"} {
		if _, err := Parse(bad); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Parse(%q) err=%v want ErrInvalidID", bad, err)
		}
	}
}

func TestSortedSetOrdersAndDeduplicates(t *testing.T) {
	got := SortedSet([]ID{New(2, 1), New(1, 5), New(1, 2), New(2, 1)})
	want := []ID{New(1, 2), New(1, 5), New(2, 1)}
	if !slices.Equal(got, want) {
		t.Fatalf("SortedSet=%v want %v", got, want)
	}
}

func TestIDJSONUsesTextForm(t *testing.T) {
	payload, err := json.Marshal(map[string]ID{"rid": New(7, 9)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"rid":"#7:9"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
	var decoded map[string]ID
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["rid"] != New(7, 9) {
		t.Fatalf("decoded %v", decoded["rid"])
	}
	if New(-1, 0).IsPersistent() {
		t.Fatal("negative cluster should not be persistent")
	}
}
