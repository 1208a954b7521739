package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecode(t *testing.T) {
	tok := New()

	ids := tok.Encode("hé", true, true)
	want := []int32{BOSID, 'h' + 3, 0xc3 + 3, 0xa9 + 3, EOSID}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if got := tok.Decode(ids); got != "hé" {
		t.Errorf("expected hé, got %q", got)
	}

	if got := tok.Decode([]int32{PadID, -1, VocabSize, 'a' + 3}); got != "a" {
		t.Errorf("expected a, got %q", got)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	tok, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	if tok.BOS != BOSID || tok.EOS != EOSID {
		t.Errorf("unexpected defaults %+v", tok)
	}

	if err := os.WriteFile(filepath.Join(dir, configFile), []byte(`{"bos_token_id": 2, "eos_token_id": 1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tok, err = Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	if tok.BOS != 2 || tok.EOS != 1 || tok.EOSToken() != 1 {
		t.Errorf("unexpected ids %+v", tok)
	}

	if err := os.WriteFile(filepath.Join(dir, configFile), []byte(`{"bos_token_id": 7}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(dir); err == nil {
		t.Error("expected out of range error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := New().Save(dir); err != nil {
		t.Fatal(err)
	}

	tok, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(New(), tok); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
