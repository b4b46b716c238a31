package history

import "strings"

// SplitStoragePath splits a media entry's storagePath into its directory and
// an extension-less base filename, the anchor for derived representation keys
// (base.avif, base_thumb.jpg live next to the original).
//
// Up to two trailing extensions are stripped so double-suffixed originals
// ("photo.png.webp") resolve to the same base as their first rendition.
// Returns ok=false for paths with no directory component or an empty name.
func SplitStoragePath(storagePath string) (basePath, baseFilename string, ok bool) {
	idx := strings.LastIndex(storagePath, "/")
	if idx <= 0 || idx == len(storagePath)-1 {
		return "", "", false
	}
	basePath = storagePath[:idx]
	name := storagePath[idx+1:]

	for i := 0; i < 2; i++ {
		dot := strings.LastIndex(name, ".")
		if dot <= 0 {
			break
		}
		name = name[:dot]
	}
	if name == "" {
		return "", "", false
	}
	return basePath, name, true
}
