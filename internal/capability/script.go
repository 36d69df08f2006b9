package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// ScriptTrainer delegates training/evaluation and merging to operator
// configured commands, keeping the controller free of any ML toolkit. The
// train command receives the task name as its last argument and must print
// a single JSON report to stdout; the merge command receives the artifact
// reference and must print {"base_state_hash": "..."}.
type ScriptTrainer struct {
	TrainArgv []string
	MergeArgv []string
}

type scriptReport struct {
	BaseLoss       float64  `json:"base_loss"`
	NewLoss        float64  `json:"new_loss"`
	AccuracyBefore *float64 `json:"accuracy_before"`
	AccuracyAfter  *float64 `json:"accuracy_after"`
	ArtifactRef    string   `json:"artifact_ref"`
	ArtifactHash   string   `json:"artifact_hash"`
}

type scriptMergeResult struct {
	BaseStateHash string `json:"base_state_hash"`
}

// TrainEvaluate runs the train command and parses its JSON report.
func (s *ScriptTrainer) TrainEvaluate(ctx context.Context, task string) (*Report, error) {
	if len(s.TrainArgv) == 0 {
		return nil, fmt.Errorf("%w: no train command configured", ErrTrainingFailed)
	}

	argv := append(append([]string{}, s.TrainArgv...), task)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTrainingFailed, argv[0], err)
	}

	report, err := parseReport(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
	}
	return report, nil
}

// Merge runs the merge command for an accepted artifact.
func (s *ScriptTrainer) Merge(ctx context.Context, artifactRef string) (string, error) {
	if len(s.MergeArgv) == 0 {
		return "", fmt.Errorf("no merge command configured")
	}

	argv := append(append([]string{}, s.MergeArgv...), artifactRef)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("merge %s: %w", argv[0], err)
	}

	var res scriptMergeResult
	if err := json.Unmarshal(output, &res); err != nil {
		return "", fmt.Errorf("parse merge output: %w", err)
	}
	if res.BaseStateHash == "" {
		return "", fmt.Errorf("merge output missing base_state_hash")
	}
	return res.BaseStateHash, nil
}

func parseReport(raw []byte) (*Report, error) {
	var sr scriptReport
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("parse train report: %w", err)
	}
	if sr.ArtifactRef == "" {
		return nil, fmt.Errorf("train report missing artifact_ref")
	}

	report := &Report{
		BaseLoss:     sr.BaseLoss,
		NewLoss:      sr.NewLoss,
		ArtifactRef:  sr.ArtifactRef,
		ArtifactHash: sr.ArtifactHash,
	}
	if sr.AccuracyBefore != nil && sr.AccuracyAfter != nil {
		report.AccuracyBefore = *sr.AccuracyBefore
		report.AccuracyAfter = *sr.AccuracyAfter
		report.HasAccuracy = true
	}
	return report, nil
}
