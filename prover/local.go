package prover

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/zkrollup/zkdispute/game"
)

// LocalConfig configures a proving binary executed as a subprocess.
type LocalConfig struct {
	// Binary is the path to the zkVM host executable.
	Binary string
	// DataDir holds per-job work directories. Each job gets its own
	// subdirectory, removed after the artifact is read back.
	DataDir string
	// Timeout bounds a single proving run. Zero means no limit.
	Timeout time.Duration
}

// LocalProver shells out to a zkVM host binary. The request is written as
// JSON to the job directory, the binary is expected to leave artifact.json
// next to it.
type LocalProver struct {
	log log.Logger
	cfg LocalConfig
}

func NewLocalProver(logger log.Logger, cfg LocalConfig) *LocalProver {
	return &LocalProver{log: logger, cfg: cfg}
}

type localRequest struct {
	AgreedOutputRoot  common.Hash    `json:"agreedOutputRoot"`
	AgreedL2Number    hexutil.Uint64 `json:"agreedL2Number"`
	ClaimedOutputRoot common.Hash    `json:"claimedOutputRoot"`
	ClaimedL2Number   hexutil.Uint64 `json:"claimedL2Number"`
	L1Head            common.Hash    `json:"l1Head"`
	PayoutRecipient   common.Address `json:"payoutRecipient"`
}

type localArtifact struct {
	Journal hexutil.Bytes `json:"journal"`
	Seal    hexutil.Bytes `json:"seal"`
}

func (p *LocalProver) Prove(ctx context.Context, req Request) (game.Artifact, error) {
	dir, err := os.MkdirTemp(p.cfg.DataDir, "job-")
	if err != nil {
		return game.Artifact{}, fmt.Errorf("create job dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "request.json")
	data, err := json.Marshal(localRequest{
		AgreedOutputRoot:  req.AgreedOutputRoot,
		AgreedL2Number:    hexutil.Uint64(req.AgreedL2Number),
		ClaimedOutputRoot: req.ClaimedOutputRoot,
		ClaimedL2Number:   hexutil.Uint64(req.ClaimedL2Number),
		L1Head:            req.L1Head,
		PayoutRecipient:   req.PayoutRecipient,
	})
	if err != nil {
		return game.Artifact{}, Permanent(fmt.Errorf("encode request: %w", err))
	}
	if err := os.WriteFile(input, data, 0o644); err != nil {
		return game.Artifact{}, fmt.Errorf("write request: %w", err)
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.cfg.Binary, "--request", input, "--output", filepath.Join(dir, "artifact.json"))
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		p.log.Error("Prover run failed", "binary", p.cfg.Binary, "err", err, "output", string(out))
		return game.Artifact{}, fmt.Errorf("run prover: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "artifact.json"))
	if err != nil {
		return game.Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	var artifact localArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return game.Artifact{}, Permanent(fmt.Errorf("decode artifact: %w", err))
	}
	journal, err := game.UnmarshalJournal(artifact.Journal)
	if err != nil {
		return game.Artifact{}, Permanent(fmt.Errorf("decode journal: %w", err))
	}
	return game.Artifact{
		Fingerprint: req.Fingerprint,
		Journal:     journal,
		Seal:        artifact.Seal,
	}, nil
}
