package media

import (
	"fmt"
	"os"
	"strings"

	"github.com/dhowden/tag"
)

// Tags is the subset of embedded metadata the service uses.
type Tags struct {
	Title  string
	Artist string
	Album  string
	Format string
}

// ReadTags reads ID3, MP4 or Vorbis tags from the file at path.
func ReadTags(path string) (Tags, error) {
	f, err := os.Open(path)
	if err != nil {
		return Tags{}, err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return Tags{}, fmt.Errorf("read tags: %w", err)
	}
	return Tags{
		Title:  strings.TrimSpace(m.Title()),
		Artist: strings.TrimSpace(m.Artist()),
		Album:  strings.TrimSpace(m.Album()),
		Format: string(m.Format()),
	}, nil
}
