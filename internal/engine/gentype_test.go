package engine

import (
	"reflect"
	"sort"
	"testing"
)

func TestNormalizeGenerationType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"image", "image"},
		{"image-generation", "image"},
		{"  Video-Generation ", "video"},
		{"logo-generation", "logo"},
		{"bg-removal", "background-removal"},
		{"remove-background", "background-removal"},
		{"upscale-image", "upscale"},
		{"something-new", "something-new"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeGenerationType(tc.in); got != tc.want {
			t.Errorf("NormalizeGenerationType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExpandTypeFilter(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "canonical expands to legacy spellings",
			in:   []string{"logo"},
			want: []string{"logo", "logo-generation"},
		},
		{
			name: "legacy input normalizes then expands",
			in:   []string{"logo-generation"},
			want: []string{"logo", "logo-generation"},
		},
		{
			name: "duplicates collapse",
			in:   []string{"logo", "logo-generation", "logo"},
			want: []string{"logo", "logo-generation"},
		},
		{
			name: "unknown type passes through",
			in:   []string{"mosaic"},
			want: []string{"mosaic"},
		},
		{
			name: "empty filter stays empty",
			in:   nil,
			want: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ExpandTypeFilter(tc.in)
			sort.Strings(got)
			want := append([]string(nil), tc.want...)
			sort.Strings(want)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("ExpandTypeFilter(%v) = %v, want %v", tc.in, got, want)
			}
		})
	}
}
