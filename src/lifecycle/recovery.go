package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RecoveryReport summarizes a Recover run.
type RecoveryReport struct {
	// Restored proposals still had time left on their original deadline.
	Restored int
	// Extended proposals missed their deadline while the process was down.
	Extended int
	// Reannounced proposals had no announcement ref and got a new one.
	Reannounced int
	// Skipped proposals could not be loaded or restored.
	Skipped int
}

// Recover rebuilds the in-memory index from the store. It must run once,
// before the engine accepts operations. Proposals whose deadline passed while
// the process was offline get half of their original window again instead of
// being finalized. A failure on a single proposal is logged and skipped.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if !e.recovered.CompareAndSwap(false, true) {
		return report, fmt.Errorf("lifecycle: recovery already ran")
	}

	global, err := e.store.GlobalSubscribers(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: load global subscribers: %w", ErrStoreUnavailable, err)
	}
	e.globalMu.Lock()
	for _, u := range global {
		e.global[u] = struct{}{}
	}
	e.globalMu.Unlock()

	ids, err := e.store.ListProposalIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: list proposals: %w", ErrStoreUnavailable, err)
	}

	for _, id := range ids {
		p, err := e.store.LoadProposal(ctx, id)
		if err != nil {
			report.Skipped++
			e.log.Error().Err(err).Str("proposal_id", id).Msg("recovery: proposal not loaded, skipping")
			continue
		}
		if err := e.restore(ctx, p, &report); err != nil {
			report.Skipped++
			e.log.Error().Err(err).Str("proposal_id", id).Msg("recovery: proposal not restored, skipping")
		}
	}

	e.ready.Store(true)
	e.log.Info().
		Int("restored", report.Restored).
		Int("extended", report.Extended).
		Int("reannounced", report.Reannounced).
		Int("skipped", report.Skipped).
		Int("global_subscribers", len(global)).
		Msg("recovery finished")
	return report, nil
}

func (e *Engine) restore(ctx context.Context, p *Proposal, report *RecoveryReport) error {
	if p == nil || p.ID == "" {
		return errors.New("empty proposal row")
	}

	now := e.now().UTC().Truncate(time.Second)
	extended := false
	if !p.Deadline.After(now) {
		ext := e.downtimeExtension(p)
		deadline := now.Add(ext)
		if err := e.store.UpdateDeadline(ctx, p.ID, deadline); err != nil {
			return fmt.Errorf("%w: extend deadline: %w", ErrStoreUnavailable, err)
		}
		e.log.Warn().
			Str("proposal_id", p.ID).
			Time("missed_deadline", p.Deadline).
			Time("deadline", deadline).
			Dur("extension", ext).
			Msg("deadline passed while offline, extending")
		p.Deadline = deadline
		extended = true
	}

	ent := &entry{state: stateActive, proposal: p.Clone()}
	ent.mu.Lock()
	if !e.index.SetIfAbsent(p.ID, ent) {
		ent.mu.Unlock()
		return fmt.Errorf("%w: %s already indexed", ErrAlreadyExists, p.ID)
	}
	ent.timer = e.timers.Schedule(ent.proposal.Deadline.Sub(e.now()), func() { e.expire(ent) })
	snapshot := ent.proposal.Clone()
	ent.mu.Unlock()
	e.metrics.Active.Inc()

	switch {
	case extended:
		report.Extended++
		e.metrics.Extended.Inc()
		e.notifier.Notify(ctx, snapshot.Subscribers, extendedMessage(snapshot))
		e.refreshAnnouncement(ctx, ent, snapshot, extendedAnnouncementText(snapshot))
		e.publish(ctx, Event{Kind: EventExtended, ProposalID: snapshot.ID, Name: snapshot.Name, Deadline: snapshot.Deadline})
	case snapshot.MessageRef == "" && e.announcer != nil:
		report.Restored++
		report.Reannounced++
		e.refreshAnnouncement(ctx, ent, snapshot, announcementText(snapshot))
	default:
		report.Restored++
	}
	return nil
}

// downtimeExtension is half of the proposal's original window, rounded down
// to whole seconds. Rows whose window is not positive get half the configured
// window.
func (e *Engine) downtimeExtension(p *Proposal) time.Duration {
	ext := (p.Deadline.Sub(p.CreatedAt) / 2).Truncate(time.Second)
	if ext <= 0 {
		ext = (e.window / 2).Truncate(time.Second)
	}
	if ext < time.Second {
		ext = time.Second
	}
	return ext
}

// refreshAnnouncement edits the existing announcement or posts a new one.
func (e *Engine) refreshAnnouncement(ctx context.Context, ent *entry, p Proposal, text string) {
	if e.announcer == nil {
		return
	}
	a := Announcement{ProposalID: p.ID, Text: text, Open: true}

	var (
		ref string
		err error
	)
	if p.MessageRef != "" {
		ref, err = e.announcer.UpdateAnnouncement(ctx, p.MessageRef, a)
	} else {
		ref, err = e.announcer.Announce(ctx, a)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("proposal_id", p.ID).Msg("recovery: announcement not refreshed")
		return
	}
	if ref != "" {
		e.saveRef(ctx, ent, ref)
	}
}
