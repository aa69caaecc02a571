package extract

import (
	"errors"
	"testing"
)

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1,234", 1234},
		{"500K", 500000},
		{"500k", 500000},
		{"1.2M", 1200000},
		{"3B", 3000000000},
		{"1.2万", 12000},
		{"3億", 300000000},
		{"12", 12},
		{"0", 0},
		{"1,234 posts", 1234},
		{"投稿 12,345件", 12345},
		{"1.5K posts", 1500},
		{"#cats2024 1,234 posts", 1234},
		{"1.23456K", 1234},
		{"12,345,678", 12345678},
		{" 45 ", 45},
		{"1 234 publications", 1234},
		{"1\u00a0234 publications", 1234},
		{"1\u202f234 publications", 1234},
		{"12 345 678", 12345678},
		{"1,234 posts.", 1234},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCount(tt.in)
			if err != nil {
				t.Fatalf("ParseCount(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseCount(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseCount_Unparseable(t *testing.T) {
	for _, in := range []string{
		"",
		"posts",
		"many posts",
		"-5",
		"1.5",
		"99999999999999999999",
		"9999999999B",
		"1,2345",
		"12,34",
		"1,234,56",
		"1,234.5",
		"1 2345",
		"1 23 posts",
		"12 3456 posts",
		"1\u202f23\u202f456",
	} {
		t.Run(in, func(t *testing.T) {
			n, err := ParseCount(in)
			if err == nil {
				t.Fatalf("ParseCount(%q) = %d, want error", in, n)
			}
			if !errors.Is(err, ErrUnparseableCount) {
				t.Errorf("err = %v, want ErrUnparseableCount", err)
			}
		})
	}
}
