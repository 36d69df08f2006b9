package capability

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

// IndexRefresher is the built-in capability behind the index_refresh task:
// it ingests recent text, keeps the most novel lines, and appends them to
// an on-disk index. Novelty is compressibility: lines that zlib shrinks
// the least carry the most new information.
//
// The capability reports its effect through the same Report shape as a
// training run: delta is added-lines/1000 (expressed as BaseLoss with
// NewLoss 0), so one acceptance rule covers every task kind.
type IndexRefresher struct {
	IncomingDir string
	IndexPath   string
	MaxLines    int
	TopK        int
}

// TrainEvaluate ingests from IncomingDir and stages a candidate index
// segment. The segment is only folded into the index by Merge.
func (ir *IndexRefresher) TrainEvaluate(ctx context.Context, task string) (*Report, error) {
	lines, err := ir.collectLines(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
	}

	selected := topNovel(lines, ir.topK())
	if len(selected) == 0 {
		// Nothing to ingest is a measured zero-delta outcome, not a failure.
		return &Report{ArtifactRef: "", ArtifactHash: hashLines(nil)}, nil
	}

	segment, err := ir.stageSegment(selected)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
	}

	return &Report{
		BaseLoss:     float64(len(selected)) / 1000.0,
		NewLoss:      0,
		ArtifactRef:  segment,
		ArtifactHash: hashLines(selected),
	}, nil
}

// Merge appends the staged segment to the index file and returns the
// digest of the resulting index.
func (ir *IndexRefresher) Merge(ctx context.Context, artifactRef string) (string, error) {
	if artifactRef == "" {
		return hashFile(ir.IndexPath)
	}

	data, err := os.ReadFile(artifactRef)
	if err != nil {
		return "", fmt.Errorf("read staged segment: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ir.IndexPath), 0o755); err != nil {
		return "", fmt.Errorf("create index dir: %w", err)
	}

	f, err := os.OpenFile(ir.IndexPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open index: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("append to index: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close index: %w", err)
	}

	os.Remove(artifactRef)
	return hashFile(ir.IndexPath)
}

// Discard removes a staged segment whose attempt was rejected.
func (ir *IndexRefresher) Discard(ctx context.Context, artifactRef string) error {
	if artifactRef == "" {
		return nil
	}
	if err := os.Remove(artifactRef); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (ir *IndexRefresher) collectLines(ctx context.Context) ([]string, error) {
	maxLines := ir.MaxLines
	if maxLines <= 0 {
		maxLines = 1024
	}

	entries, err := os.ReadDir(ir.IncomingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var lines []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := os.Open(filepath.Join(ir.IncomingDir, entry.Name()))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() && len(lines) < maxLines {
			if s := strings.TrimSpace(scanner.Text()); s != "" {
				lines = append(lines, s)
			}
		}
		f.Close()
		if len(lines) >= maxLines {
			break
		}
	}
	return lines, nil
}

func (ir *IndexRefresher) stageSegment(lines []string) (string, error) {
	dir := filepath.Dir(ir.IndexPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "segment-*.stage")
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func (ir *IndexRefresher) topK() int {
	if ir.TopK <= 0 {
		return 512
	}
	return ir.TopK
}

// topNovel keeps the k least-compressible lines, most novel first.
func topNovel(lines []string, k int) []string {
	type scored struct {
		novelty float64
		line    string
	}
	ranked := make([]scored, 0, len(lines))
	for _, line := range lines {
		ranked = append(ranked, scored{novelty: noveltyScore(line), line: line})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].novelty > ranked[j].novelty
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.line
	}
	return out
}

// noveltyScore is 1 − compressed/raw: repetitive text compresses well and
// scores low.
func noveltyScore(line string) float64 {
	raw := []byte(line)
	if len(raw) == 0 {
		return 0
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(raw)
	zw.Close()
	return 1.0 - float64(buf.Len())/float64(len(raw))
}

func hashLines(lines []string) string {
	sum := sha3.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return "", fmt.Errorf("hash index: %w", err)
		}
	}
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
