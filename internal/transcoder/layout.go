package transcoder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

var artifactKinds = []models.ArtifactKind{
	models.ArtifactVideo,
	models.ArtifactThumbnail,
	models.ArtifactAudio,
	models.ArtifactPreview,
}

// CreateOutputDirectories creates one directory per artifact kind under dir.
func CreateOutputDirectories(dir string) error {
	for _, kind := range artifactKinds {
		if err := os.MkdirAll(filepath.Join(dir, kind.String()), 0755); err != nil {
			return fmt.Errorf("failed to create %s output dir: %w", kind, err)
		}
	}
	return nil
}

// OutputPath is the local file for an artifact named name.
func OutputPath(dir string, kind models.ArtifactKind, name string) string {
	return filepath.Join(dir, kind.String(), name+kind.Extension())
}

// ArtifactKey is the processed-bucket key for an artifact of an asset.
func ArtifactKey(assetID string, kind models.ArtifactKind, name string) string {
	return fmt.Sprintf("media/%s/%s/%s%s", assetID, kind, name, kind.Extension())
}
