package spotify

// Track is the simplified view of a recently played track.
type Track struct {
	Title       string
	Artist      string // Comma-separated artist names
	AlbumArtURL string // Empty when the album has no artwork
}
