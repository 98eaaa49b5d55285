package metrics

import "github.com/zkrollup/zkdispute/game"

type noopMetrics struct{}

// NoopMetrics discards all recordings.
var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordInfo(string)               {}
func (noopMetrics) RecordUp()                       {}
func (noopMetrics) RecordProposalSubmitted()        {}
func (noopMetrics) RecordChallengeOpened()          {}
func (noopMetrics) RecordGameResolved(game.Outcome) {}
func (noopMetrics) RecordProposalsOrphaned(int)     {}
func (noopMetrics) RecordFinalizedL2(uint64)        {}
func (noopMetrics) RecordProofRequested()           {}
func (noopMetrics) RecordProofAttempt()             {}
func (noopMetrics) RecordProofCompleted(bool)       {}
func (noopMetrics) RecordProofsInFlight(int)        {}
func (noopMetrics) RecordSyncVersion(uint64)        {}
