package groups

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeDocumentNormalizesMissingItems(t *testing.T) {
	data := []byte(`{"g1":{"id":"g1","title":"One","pinned":false,"collapsed":true,"order":1,"createdAt":1,"updatedAt":2},
		"g2":{"title":"Two","items":[{"id":"t1","url":"https://a.example","title":"A"}],"order":0,"createdAt":1}}`)
	out, err := DecodeDocument(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(out))
	}
	if out[0].ID != "g2" {
		t.Fatalf("expected groups sorted by order, got %s first", out[0].ID)
	}
	if out[1].Items == nil {
		t.Fatalf("expected nil items to be normalized to empty slice")
	}
}

func TestDecodeDocumentNullIsEmpty(t *testing.T) {
	for _, body := range []string{"", "null", "  null\n"} {
		out, err := DecodeDocument([]byte(body))
		if err != nil {
			t.Fatalf("decode %q failed: %v", body, err)
		}
		if len(out) != 0 {
			t.Fatalf("expected empty snapshot for %q, got %d groups", body, len(out))
		}
	}
}

func TestDecodeDocumentRejectsSchemaViolation(t *testing.T) {
	_, err := DecodeDocument([]byte(`{"g1":{"id":"g1","pinned":"yes"}}`))
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	_, err = DecodeDocument([]byte(`[1,2,3]`))
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected array document to be rejected, got %v", err)
	}
}

func TestEncodeDocumentRoundTrip(t *testing.T) {
	in := []Group{{ID: "g1", Title: "One", CreatedAt: 1, UpdatedAt: 3}}
	data, err := EncodeDocument(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.Contains(string(data), `"g1":{`) {
		t.Fatalf("expected document keyed by id, got %s", data)
	}
	out, err := DecodeDocument(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if mustHash(t, out) != mustHash(t, in) {
		t.Fatalf("expected round trip to preserve content")
	}
}

func TestExportAndImport(t *testing.T) {
	in := []Group{{
		ID:        "g1",
		Title:     "Exported",
		Items:     []TabItem{{ID: "t1", Title: "Tab", URL: "https://example.com"}},
		CreatedAt: 1,
		UpdatedAt: 1,
	}}
	data, err := Export(in)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(string(data), "\n  \"groups\"") {
		t.Fatalf("expected indented export, got %s", data)
	}
	out, err := Import(data)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(out) != 1 || out[0].Items[0].URL != "https://example.com" {
		t.Fatalf("unexpected import result %+v", out)
	}
}

func TestImportRejectsMissingGroupsArray(t *testing.T) {
	for _, body := range []string{`{"foo":[]}`, `{"groups":{}}`} {
		_, err := Import([]byte(body))
		if err == nil || err.Error() != "invalid data format: missing groups array" {
			t.Fatalf("expected missing groups array error for %s, got %v", body, err)
		}
		if !errors.Is(err, ErrInvalidSnapshot) {
			t.Fatalf("expected ErrInvalidSnapshot classification")
		}
	}
}

func TestImportRejectsDuplicateIDs(t *testing.T) {
	_, err := Import([]byte(`{"groups":[{"id":"a"},{"id":"a"}]}`))
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected duplicate ids to be rejected, got %v", err)
	}
}
