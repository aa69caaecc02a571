package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLocators(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locators.json5")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return path
}

func TestDefaultLocators_Valid(t *testing.T) {
	if err := DefaultLocators().Validate(); err != nil {
		t.Fatalf("組み込みロケータが不正: %v", err)
	}
}

func TestLoadLocators_PartialOverrideKeepsDefaults(t *testing.T) {
	path := writeLocators(t, `{
		// トップ投稿のみ差し替え
		version: "2026-10",
		top_posts: {container: "section.top", item: "a", attr: "href"},
	}`)

	set, err := LoadLocators(path)
	if err != nil {
		t.Fatalf("LoadLocators failed: %v", err)
	}
	if set.Version != "2026-10" {
		t.Errorf("Version = %q", set.Version)
	}
	if set.TopPosts.Container != "section.top" {
		t.Errorf("TopPosts = %+v", set.TopPosts)
	}
	if set.PostCount != DefaultLocators().PostCount {
		t.Errorf("省略したフィールドは既定値を使う: %+v", set.PostCount)
	}
}

func TestLoadLocators_InvalidSelector(t *testing.T) {
	path := writeLocators(t, `{post_count: {container: "header[[["}}`)

	_, err := LoadLocators(path)
	if err == nil {
		t.Fatal("不正なセレクタはエラーになるべき")
	}
	if !strings.Contains(err.Error(), FieldPostCount) {
		t.Errorf("エラーにフィールド名を含むべき: %v", err)
	}
}

func TestLoadLocators_MissingFile(t *testing.T) {
	if _, err := LoadLocators(filepath.Join(t.TempDir(), "none.json5")); err == nil {
		t.Fatal("expected error")
	}
}
