package prover

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-resty/resty/v2"

	"github.com/zkrollup/zkdispute/clock"
	"github.com/zkrollup/zkdispute/game"
)

// RemoteConfig configures a hosted proving service client.
type RemoteConfig struct {
	Endpoint string
	APIKey   string
	// PollInterval is how often job status is checked while proving.
	PollInterval time.Duration
}

// RemoteProver submits jobs to a hosted proving service over HTTP and
// polls until the seal is ready.
type RemoteProver struct {
	log    log.Logger
	cfg    RemoteConfig
	clk    clock.Clock
	client *resty.Client
}

func NewRemoteProver(logger log.Logger, cfg RemoteConfig, clk clock.Clock) *RemoteProver {
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &RemoteProver{log: logger, cfg: cfg, clk: clk, client: client}
}

type remoteJobRequest struct {
	AgreedOutputRoot  string `json:"agreedOutputRoot"`
	AgreedL2Number    uint64 `json:"agreedL2Number"`
	ClaimedOutputRoot string `json:"claimedOutputRoot"`
	ClaimedL2Number   uint64 `json:"claimedL2Number"`
	L1Head            string `json:"l1Head"`
	PayoutRecipient   string `json:"payoutRecipient"`
}

type remoteJobStatus struct {
	ID      string        `json:"id"`
	State   string        `json:"state"`
	Error   string        `json:"error,omitempty"`
	Journal hexutil.Bytes `json:"journal,omitempty"`
	Seal    hexutil.Bytes `json:"seal,omitempty"`
}

func (p *RemoteProver) Prove(ctx context.Context, req Request) (game.Artifact, error) {
	var created remoteJobStatus
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(remoteJobRequest{
			AgreedOutputRoot:  req.AgreedOutputRoot.Hex(),
			AgreedL2Number:    req.AgreedL2Number,
			ClaimedOutputRoot: req.ClaimedOutputRoot.Hex(),
			ClaimedL2Number:   req.ClaimedL2Number,
			L1Head:            req.L1Head.Hex(),
			PayoutRecipient:   req.PayoutRecipient.Hex(),
		}).
		SetResult(&created).
		Post("/v1/jobs")
	if err != nil {
		return game.Artifact{}, fmt.Errorf("submit proving job: %w", err)
	}
	if resp.StatusCode() == http.StatusBadRequest {
		return game.Artifact{}, Permanent(fmt.Errorf("proving job rejected: %s", resp.String()))
	}
	if resp.IsError() {
		return game.Artifact{}, fmt.Errorf("submit proving job: status %d", resp.StatusCode())
	}
	p.log.Info("Proving job submitted", "job", created.ID, "claimedBlock", req.ClaimedL2Number)

	for {
		select {
		case <-ctx.Done():
			return game.Artifact{}, ctx.Err()
		case <-p.clk.After(p.cfg.PollInterval):
		}

		var status remoteJobStatus
		resp, err := p.client.R().
			SetContext(ctx).
			SetResult(&status).
			Get("/v1/jobs/" + created.ID)
		if err != nil {
			return game.Artifact{}, fmt.Errorf("poll job %s: %w", created.ID, err)
		}
		if resp.IsError() {
			return game.Artifact{}, fmt.Errorf("poll job %s: status %d", created.ID, resp.StatusCode())
		}
		switch status.State {
		case "pending", "running":
			continue
		case "failed":
			return game.Artifact{}, Permanent(fmt.Errorf("job %s failed: %s", created.ID, status.Error))
		case "succeeded":
			journal, err := game.UnmarshalJournal(status.Journal)
			if err != nil {
				return game.Artifact{}, Permanent(fmt.Errorf("decode journal for job %s: %w", created.ID, err))
			}
			return game.Artifact{
				Fingerprint: req.Fingerprint,
				Journal:     journal,
				Seal:        status.Seal,
			}, nil
		default:
			return game.Artifact{}, fmt.Errorf("job %s in unknown state %q", created.ID, status.State)
		}
	}
}
