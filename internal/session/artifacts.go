// File: internal/session/artifacts.go
package session

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const artifactDirPerm = 0o755

// ArtifactStore writes session artifacts under outputDir/<sessionID>/:
// a PNG plus metadata JSON sidecar per step, and a session.json summary.
type ArtifactStore struct {
	logger  *zap.Logger
	baseDir string
}

func NewArtifactStore(logger *zap.Logger, baseDir string) *ArtifactStore {
	return &ArtifactStore{
		logger:  logger.Named("artifacts"),
		baseDir: baseDir,
	}
}

func (s *ArtifactStore) sessionDir(sessionID string) (string, error) {
	dir := filepath.Join(s.baseDir, sessionID)
	if err := os.MkdirAll(dir, artifactDirPerm); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return dir, nil
}

// WriteStepArtifacts persists the step's screenshot and metadata sidecar. A
// missing screenshot skips the PNG but still writes the sidecar.
func (s *ArtifactStore) WriteStepArtifacts(sessionID string, step Step) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}

	if len(step.Screenshot) > 0 {
		pngPath := filepath.Join(dir, step.ID+".png")
		if err := os.WriteFile(pngPath, step.Screenshot, 0o644); err != nil {
			return fmt.Errorf("failed to write screenshot: %w", err)
		}
	}

	meta, err := json.MarshalIndent(step.stripped(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal step metadata: %w", err)
	}
	metaPath := filepath.Join(dir, step.ID+".json")
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return fmt.Errorf("failed to write step metadata: %w", err)
	}
	return nil
}

// WriteSessionSummary persists session.json with screenshots omitted.
func (s *ArtifactStore) WriteSessionSummary(sess *Session) error {
	dir, err := s.sessionDir(sess.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session summary: %w", err)
	}
	path := filepath.Join(dir, "session.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session summary: %w", err)
	}
	s.logger.Debug("Session summary written", zap.String("path", path))
	return nil
}
