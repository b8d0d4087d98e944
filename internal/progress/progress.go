// Package progress carries run events from the pipeline stages to whoever is
// watching: the terminal log, the dashboard feed or a test.
package progress

import "time"

// Observer receives run events. Implementations must be safe for concurrent
// use; shard events arrive from many workers at once.
type Observer interface {
	StageStarted(stage string)
	StageDone(stage string, ok bool, summary string, elapsed time.Duration)
	ShardStarted(shard string)
	ShardProgress(shard string, percent int)
	ShardDone(shard string, uploaded int, err error)
	VerifySample(id, outcome, note string)
}

// Nop ignores every event.
type Nop struct{}

func (Nop) StageStarted(string)                           {}
func (Nop) StageDone(string, bool, string, time.Duration) {}
func (Nop) ShardStarted(string)                           {}
func (Nop) ShardProgress(string, int)                     {}
func (Nop) ShardDone(string, int, error)                  {}
func (Nop) VerifySample(string, string, string)           {}

// Multi fans events out to several observers in order. Nil entries are
// dropped.
func Multi(observers ...Observer) Observer {
	var out multi
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

type multi []Observer

func (m multi) StageStarted(stage string) {
	for _, o := range m {
		o.StageStarted(stage)
	}
}

func (m multi) StageDone(stage string, ok bool, summary string, elapsed time.Duration) {
	for _, o := range m {
		o.StageDone(stage, ok, summary, elapsed)
	}
}

func (m multi) ShardStarted(shard string) {
	for _, o := range m {
		o.ShardStarted(shard)
	}
}

func (m multi) ShardProgress(shard string, percent int) {
	for _, o := range m {
		o.ShardProgress(shard, percent)
	}
}

func (m multi) ShardDone(shard string, uploaded int, err error) {
	for _, o := range m {
		o.ShardDone(shard, uploaded, err)
	}
}

func (m multi) VerifySample(id, outcome, note string) {
	for _, o := range m {
		o.VerifySample(id, outcome, note)
	}
}
