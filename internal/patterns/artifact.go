package patterns

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/memforge/pkg/models"
)

// FrontMatter is the YAML header of a pattern artifact.
type FrontMatter struct {
	DetectedAt    time.Time `yaml:"detected_at"`
	ID            string    `yaml:"id"`
	Name          string    `yaml:"name"`
	Category      string    `yaml:"category"`
	SessionIDs    []string  `yaml:"session_ids"`
	Confidence    float64   `yaml:"confidence"`
	AvgSimilarity float64   `yaml:"avg_similarity"`
	SessionCount  int       `yaml:"session_count"`
}

// renderArtifact renders a pattern as markdown with YAML front matter.
func renderArtifact(p models.DetectedPattern, at time.Time) ([]byte, error) {
	header, err := yaml.Marshal(FrontMatter{
		ID:            p.ID,
		Name:          p.Name,
		Category:      p.Category,
		SessionIDs:    p.SourceIDs,
		Confidence:    p.Confidence,
		AvgSimilarity: p.AvgSimilarity,
		SessionCount:  p.SessionCount,
		DetectedAt:    at.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	fmt.Fprintf(&buf, "# %s\n\n", p.Name)
	fmt.Fprintf(&buf, "Seen in %d sessions (confidence %.2f).\n\n", p.SessionCount, p.Confidence)
	buf.WriteString("## Representative\n\n")
	buf.WriteString(strings.TrimSpace(p.Representative))
	buf.WriteString("\n\n## Sessions\n\n")
	for _, id := range p.SourceIDs {
		fmt.Fprintf(&buf, "- %s\n", id)
	}
	return buf.Bytes(), nil
}

// ParseArtifact splits an artifact into its front matter and body.
func ParseArtifact(data []byte) (*FrontMatter, string, error) {
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return nil, "", fmt.Errorf("missing front matter")
	}
	header, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		return nil, "", fmt.Errorf("unterminated front matter")
	}
	var fm FrontMatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, "", fmt.Errorf("parse front matter: %w", err)
	}
	return &fm, strings.TrimLeft(string(body), "\n"), nil
}

// writeArtifact writes the pattern to <dir>/<slug>.md and returns the path.
func writeArtifact(dir string, p models.DetectedPattern, at time.Time) (string, error) {
	data, err := renderArtifact(p, at)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	path := filepath.Join(dir, slugify(p.Name)+".md")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return path, nil
}
