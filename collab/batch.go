package collab

import "fmt"

// BatchItem is one element of a client-submitted batch (spec §4.3, §6.1
// `batch`): an ordered sequence of operations sharing one base_version.
type BatchItem struct {
	Index int
	Op    Operation
}

// RejectedItem reports why one batch element failed (spec §6.1
// `batch_result.rejected[]`).
type RejectedItem struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult is what a Hub hands back after processing a batch: spec §6.1's
// batch_result frame, independent of transport encoding.
type BatchResult struct {
	Accepted     []Operation    `json:"accepted"`
	Rejected     []RejectedItem `json:"rejected"`
	FinalVersion int64          `json:"final_version"`
}

// batchProcessor applies spec §4.3's batch semantics: each element folds
// against (a) the intervening committed history and (b) the already-
// accepted earlier elements of the same batch, atomically with respect to
// other submitters because it only ever runs inside the Hub's single
// writer (hub.go). It is the inbound analogue of the teacher's
// MessageCompressor (compression.go), which batched *outbound* broadcast
// messages by count/timeout; here the batching is structural (one
// client-specified group) rather than time-windowed, so no flush timer is
// needed — the whole group is processed the instant it's dequeued.
type batchProcessor struct {
	history     *History
	transformer *Transformer
}

func newBatchProcessor(h *History, t *Transformer) *batchProcessor {
	return &batchProcessor{history: h, transformer: t}
}

// Process runs a batch's items through transform-and-append in order,
// feeding each accepted item back in as "already-accepted" context for the
// next. A failure at schema validation (not at transform/invariant time,
// which self-heals via clip) is reported with its index and the rest of
// the batch still proceeds (spec §4.3 "partial success"). textLen is the
// document's code-point length immediately before the batch; it is tracked
// locally as items are folded in, since each accepted item can change it
// for the next.
func (bp *batchProcessor) Process(items []BatchItem, baseVersion int64, textLen int) BatchResult {
	var result BatchResult
	length := textLen

	for _, item := range items {
		op := item.Op
		if err := op.validate(length); err != nil {
			result.Rejected = append(result.Rejected, RejectedItem{
				Index:  item.Index,
				Reason: err.Error(),
			})
			continue
		}

		// Earlier accepted elements of this batch are already appended to
		// History, so folding against everything since baseVersion covers
		// both the intervening history and those earlier elements, once each.
		candidates := bp.history.TransformAgainstNew(op, baseVersion)

		for _, c := range candidates {
			c = c.clip(length)
			accepted, err := bp.history.Append(c)
			if err != nil {
				result.Rejected = append(result.Rejected, RejectedItem{
					Index:  item.Index,
					Reason: fmt.Sprintf("append failed: %v", err),
				})
				continue
			}
			length += effectOnLength(accepted)
			result.Accepted = append(result.Accepted, accepted)
		}
	}

	result.FinalVersion = bp.history.CurrentVersion()
	return result
}

// effectOnLength returns how many code points an accepted operation adds
// (positive) or removes (negative) from the document.
func effectOnLength(op Operation) int {
	switch op.Type {
	case OpInsert:
		return runeLen(op.Content)
	case OpDelete:
		return -op.Length
	default:
		return 0
	}
}
