package history

import "testing"

func TestSplitStoragePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantBase string
		wantName string
		wantOK   bool
	}{
		{
			name:     "single extension",
			path:     "users/u1/generations/h1/photo.png",
			wantBase: "users/u1/generations/h1",
			wantName: "photo",
			wantOK:   true,
		},
		{
			name:     "double extension",
			path:     "users/u1/generations/h1/photo.png.webp",
			wantBase: "users/u1/generations/h1",
			wantName: "photo",
			wantOK:   true,
		},
		{
			name:     "triple extension strips only two",
			path:     "u1/h1/archive.tar.gz.bak",
			wantBase: "u1/h1",
			wantName: "archive.tar",
			wantOK:   true,
		},
		{
			name:     "no extension",
			path:     "u1/h1/photo",
			wantBase: "u1/h1",
			wantName: "photo",
			wantOK:   true,
		},
		{
			name:   "no directory",
			path:   "photo.png",
			wantOK: false,
		},
		{
			name:   "trailing slash",
			path:   "u1/h1/",
			wantOK: false,
		},
		{
			name:   "empty",
			path:   "",
			wantOK: false,
		},
		{
			name:   "dotfile name strips to nothing",
			path:   "u1/.hidden",
			wantName: ".hidden",
			wantBase: "u1",
			wantOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, name, ok := SplitStoragePath(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("SplitStoragePath(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if base != tt.wantBase || name != tt.wantName {
				t.Errorf("SplitStoragePath(%q) = (%q, %q), want (%q, %q)",
					tt.path, base, name, tt.wantBase, tt.wantName)
			}
		})
	}
}
