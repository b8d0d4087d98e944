package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/opencnpj/cnpjsync/internal/logging"
	"github.com/opencnpj/cnpjsync/internal/progress"
)

// StageData describes a stage event.
type StageData struct {
	Stage     string `json:"stage"`
	OK        bool   `json:"ok,omitempty"`
	Summary   string `json:"summary,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// ShardData describes a shard event.
type ShardData struct {
	Shard    string `json:"shard"`
	Percent  int    `json:"percent,omitempty"`
	Uploaded int    `json:"uploaded,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SampleData describes one verification outcome.
type SampleData struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Note    string `json:"note,omitempty"`
}

// Snapshot contains the run totals so far.
type Snapshot struct {
	Stage        string         `json:"stage,omitempty"`
	StagesDone   []string       `json:"stages_done"`
	ShardsActive int            `json:"shards_active"`
	ShardsDone   int            `json:"shards_done"`
	ShardsFailed int            `json:"shards_failed"`
	Uploaded     int            `json:"uploaded"`
	Samples      map[string]int `json:"samples"`
}

// Handler turns run events into dashboard messages. It is a
// progress.Observer.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats Snapshot
}

var _ progress.Observer = (*Handler)(nil)

// NewHandler creates a handler broadcasting through server. New clients
// receive the current Snapshot.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = logging.Default("dashboard")
	}
	h := &Handler{
		server: server,
		logger: logger,
		stats:  Snapshot{StagesDone: []string{}, Samples: make(map[string]int)},
	}
	server.welcome = func() Message {
		return h.message(MessageTypeSnapshot, h.Stats())
	}
	return h
}

// StageStarted implements progress.Observer.
func (h *Handler) StageStarted(stage string) {
	h.mu.Lock()
	h.stats.Stage = stage
	h.mu.Unlock()

	h.send(MessageTypeStageStart, StageData{Stage: stage})
}

// StageDone implements progress.Observer.
func (h *Handler) StageDone(stage string, ok bool, summary string, elapsed time.Duration) {
	h.mu.Lock()
	h.stats.Stage = ""
	h.stats.StagesDone = append(h.stats.StagesDone, stage)
	h.mu.Unlock()

	h.send(MessageTypeStageDone, StageData{
		Stage:     stage,
		OK:        ok,
		Summary:   summary,
		ElapsedMS: elapsed.Milliseconds(),
	})
}

// ShardStarted implements progress.Observer.
func (h *Handler) ShardStarted(shard string) {
	h.mu.Lock()
	h.stats.ShardsActive++
	h.mu.Unlock()

	h.send(MessageTypeShardProgress, ShardData{Shard: shard})
}

// ShardProgress implements progress.Observer.
func (h *Handler) ShardProgress(shard string, percent int) {
	h.send(MessageTypeShardProgress, ShardData{Shard: shard, Percent: percent})
}

// ShardDone implements progress.Observer.
func (h *Handler) ShardDone(shard string, uploaded int, err error) {
	data := ShardData{Shard: shard, Uploaded: uploaded}

	h.mu.Lock()
	h.stats.ShardsActive--
	h.stats.ShardsDone++
	h.stats.Uploaded += uploaded
	if err != nil {
		h.stats.ShardsFailed++
		data.Error = err.Error()
	}
	h.mu.Unlock()

	h.send(MessageTypeShardDone, data)
}

// VerifySample implements progress.Observer.
func (h *Handler) VerifySample(id, outcome, note string) {
	h.mu.Lock()
	h.stats.Samples[outcome]++
	h.mu.Unlock()

	h.send(MessageTypeVerifySample, SampleData{ID: id, Outcome: outcome, Note: note})
}

// Stats returns a copy of the run totals.
func (h *Handler) Stats() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.stats
	out.StagesDone = append([]string{}, h.stats.StagesDone...)
	out.Samples = make(map[string]int, len(h.stats.Samples))
	for k, v := range h.stats.Samples {
		out.Samples[k] = v
	}
	return out
}

func (h *Handler) send(t MessageType, data any) {
	h.server.Broadcast(h.message(t, data))
}

func (h *Handler) message(t MessageType, data any) Message {
	msg := Message{Type: t, Timestamp: time.Now()}
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", t, err)
		return msg
	}
	msg.Data = raw
	return msg
}
