package security

import "testing"

func TestTextSanitizer_Text(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"プレーンテキスト", "Photo by cat lover", "Photo by cat lover"},
		{"タグを除去", `<b>bold</b> <script>alert(1)</script>text`, "bold text"},
		{"空白をまとめる", "  many\n\tspaces   here ", "many spaces here"},
		{"実体参照を戻す", "cats & dogs", "cats & dogs"},
		{"日本語", "猫の写真　#ねこ", "猫の写真 #ねこ"},
		{"空文字列", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Text(tt.in); got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_ImageURL(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		in   string
		want string
	}{
		{"https://scontent.cdninstagram.com/v/t51/123.jpg?x=1", "https://scontent.cdninstagram.com/v/t51/123.jpg?x=1"},
		{"http://example.com/a.jpg", ""},
		{"javascript:alert(1)", ""},
		{"data:image/png;base64,AAAA", ""},
		{"/relative.jpg", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := s.ImageURL(tt.in); got != tt.want {
			t.Errorf("ImageURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
