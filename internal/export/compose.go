// Package export materializes the final entity list: the fast tier's
// snapshot merged with the review tier's decision log. Replay is pure and
// deterministic, so the reviewer's live view and the final export are built
// by the same code from the same two files.
package export

import (
	"fmt"

	"github.com/corpusworks/entity-resolver/internal/checkpoint"
	"github.com/corpusworks/entity-resolver/internal/decision"
	"github.com/corpusworks/entity-resolver/internal/pending"
	"github.com/corpusworks/entity-resolver/internal/registry"
	pkgerrors "github.com/corpusworks/entity-resolver/pkg/errors"
)

// Compose restores a registry from a snapshot and replays every terminal
// decision onto it in first-decided order. CREATE_NEW decisions carry no
// entity id; the registry allocates them here, starting from the snapshot's
// NextID, which keeps replay deterministic for a fixed snapshot and log.
func Compose(snap *checkpoint.Snapshot, queuePath string, decisions map[int64]decision.Decision, order []int64) (*registry.Registry, error) {
	reg := registry.New(registry.Options{})
	reg.Restore(snap.Entities, snap.NextID)
	if err := Replay(reg, queuePath, decisions, order); err != nil {
		return nil, err
	}
	return reg, nil
}

// Replay applies the terminal decisions to an already restored registry.
// PENDING records are skipped. A LINK_EXISTING record that names an id the
// snapshot does not contain means the log and snapshot are out of step,
// which is a durability fault, not something to paper over.
func Replay(reg *registry.Registry, queuePath string, decisions map[int64]decision.Decision, order []int64) error {
	resolved := decision.Resolved(decisions)
	items, err := pending.LoadItems(queuePath, resolved)
	if err != nil {
		return err
	}
	for _, pid := range order {
		d := decisions[pid]
		if d.Outcome == decision.OutcomePending {
			continue
		}
		item, ok := items[pid]
		if !ok {
			return pkgerrors.Newf(pkgerrors.KindDurability, "export.replay",
				"decision for pending id %d has no queue record", pid)
		}
		switch d.Outcome {
		case decision.OutcomeLinkExisting:
			if err := reg.ApplyLink(d.LinkedID, item.Text, item.Context, item.Source); err != nil {
				return pkgerrors.New(pkgerrors.KindDurability, "export.replay",
					fmt.Errorf("pending id %d links to entity %d: %w", pid, d.LinkedID, err))
			}
		case decision.OutcomeCreateNew:
			reg.AddOrUpdate(item.Text, item.Type, item.Context, item.Source)
		default:
			return pkgerrors.Newf(pkgerrors.KindDurability, "export.replay",
				"pending id %d has unknown outcome %q", pid, d.Outcome)
		}
	}
	return nil
}
