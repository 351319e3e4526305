package scheduler

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
)

// Plan is one attempt the scheduler intends to create.
type Plan struct {
	Contact     domain.Contact
	Day         int
	Number      int
	PhoneIndex  int
	TotalPhones int
	PhoneNumber string
	DueAt       time.Time
}

// Select picks up to free attempts from candidates, in candidate order. It assumes now is
// inside the campaign's calling window.
//
// Day 0 is due immediately. Day k > 0 is only eligible on a later window occurrence than
// the previous attempt, and becomes due at a per-contact offset into that window.
func Select(c *domain.Campaign, candidates []repository.Candidate, now time.Time, free int) []Plan {
	if free <= 0 || len(candidates) == 0 {
		return nil
	}
	loc := c.Location()
	local := now.In(loc)
	opened := c.Window.OpenedAt(local)

	plans := make([]Plan, 0, min(free, len(candidates)))
	for _, cand := range candidates {
		if len(plans) == free {
			break
		}
		phones := cand.Contact.Phones
		if len(phones) == 0 {
			continue
		}

		day := 0
		due := now
		if last := cand.LastAttempt; last != nil {
			if last.Status.IsOpen() {
				continue
			}
			day = last.Day + 1
			if day > c.MaxRetryDays {
				continue
			}
			prevOpened := c.Window.OpenedAt(last.ScheduledAt.In(loc))
			if !laterDate(opened, prevOpened) {
				continue
			}
			due = opened.Add(JitterOffset(cand.Contact.ID, day, c.Window.Length()))
			if now.Before(due) {
				continue
			}
		}

		idx := day % len(phones)
		plans = append(plans, Plan{
			Contact:     cand.Contact,
			Day:         day,
			Number:      cand.AttemptCount + 1,
			PhoneIndex:  idx,
			TotalPhones: len(phones),
			PhoneNumber: phones[idx],
			DueAt:       due,
		})
	}
	return plans
}

// JitterOffset is a deterministic offset into the window for a contact's retry day. It
// stays within the first three quarters of the window so late retries still have room.
func JitterOffset(contactID uuid.UUID, day int, window time.Duration) time.Duration {
	span := int64(window/time.Minute) * 3 / 4
	if span <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(contactID[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(day))
	_, _ = h.Write(buf[:])
	return time.Duration(h.Sum64()%uint64(span)) * time.Minute
}

func laterDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay > by
	}
	if am != bm {
		return am > bm
	}
	return ad > bd
}
