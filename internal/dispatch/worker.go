package dispatch

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"dmcast/internal/discord"
	"dmcast/internal/jobstore"
	"dmcast/internal/targets"
	logx "dmcast/pkg/logx"
)

// runJob owns one broadcast end-to-end: resolve targets, drive the lanes,
// record every outcome, finish the job record.
func (s *Service) runJob(ctx context.Context, jobID string, params SubmitParams) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in broadcast job",
				logx.String("job", jobID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			s.failJob(ctx, jobID, "internal error")
		}
	}()

	start := time.Now()
	client := s.clients(params.Session)

	// Step 0: resolution. A failure here is job-fatal; nothing was attempted.
	members, err := client.ListMembers(ctx, params.GuildID)
	if err != nil {
		s.log.Warn("target resolution failed", logx.String("job", jobID), logx.Err(err))
		s.failJob(ctx, jobID, err.Error())
		return
	}
	recipients := targets.Resolve(members, params.Filter)

	// Admission: the credit ledger may refuse the whole job up front.
	s.mu.Lock()
	auth := s.auth
	cfg := s.cfg
	s.mu.Unlock()
	if auth != nil {
		if err := auth.Authorize(ctx, len(recipients)); err != nil {
			s.log.Warn("broadcast admission denied", logx.String("job", jobID), logx.Err(err))
			s.failJob(ctx, jobID, err.Error())
			return
		}
	}

	total := len(recipients)
	s.store.Update(jobID, func(j *jobstore.Job) {
		j.Status = jobstore.StatusProcessing
		j.StartedAt = time.Now()
		j.TotalMembers = total
	})
	s.log.Info("broadcast job started",
		logx.String("job", jobID),
		logx.String("guild", params.GuildID),
		logx.Int("total", total),
	)

	// Lanes: recipient i belongs to lane i%n, so at any point the lanes are
	// working one contiguous wave of n recipients. Within a lane delivery is
	// strictly sequential with the configured delay between recipients.
	lanes := params.Concurrency
	if lanes > total {
		lanes = total
	}
	if lanes < 1 {
		lanes = 1
	}
	var wg sync.WaitGroup
	for lane := 0; lane < lanes; lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			for i := lane; i < total; i += lanes {
				if ctx.Err() != nil {
					return
				}
				s.deliverOne(ctx, client, jobID, recipients[i], params, cfg)
				if params.Delay > 0 && i+lanes < total {
					if !sleepCtx(ctx, params.Delay) {
						return
					}
				}
			}
		}(lane)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Shutdown mid-job: the record intentionally stays in processing.
		s.log.Warn("broadcast job interrupted", logx.String("job", jobID))
		return
	}

	s.store.Update(jobID, func(j *jobstore.Job) {
		j.Status = jobstore.StatusCompleted
		j.CompletedAt = time.Now()
	})

	final, ok := s.store.Get(jobID)
	if ok {
		fields := []logx.Field{
			logx.String("job", jobID),
			logx.Int("total", final.TotalMembers),
			logx.Int("sent", final.SentCount),
			logx.Int("failed", final.FailedCount),
			logx.Duration("dur", time.Since(start)),
		}
		if final.FailedCount > 0 {
			s.log.Warn("broadcast job finished with failures", fields...)
		} else {
			s.log.Info("broadcast job finished", fields...)
		}
		s.publishTerminal(ctx, final)
	}
}

// deliverOne attempts one recipient: open the DM channel, then send. Each
// call gets one retry when the platform signals throttling; a second
// consecutive throttle marks the recipient failed so the job duration stays
// bounded. Failures never abort the job.
func (s *Service) deliverOne(ctx context.Context, client APIClient, jobID string, m discord.Member, params SubmitParams, cfg Config) {
	content := params.Message
	if params.Mentions {
		content = substitutePlaceholders(content, m)
	}

	channelID, err := s.callWithThrottleRetry(ctx, cfg, func() (string, error) {
		return client.CreateDMChannel(ctx, m.User.ID)
	})
	if err != nil {
		reason := reasonDMChannel
		if _, limited := discord.RetryAfter(err); limited {
			reason = reasonRateLimited
		}
		s.recordFailure(jobID, m, reason)
		return
	}

	_, err = s.callWithThrottleRetry(ctx, cfg, func() (string, error) {
		return "", client.SendMessage(ctx, channelID, content)
	})
	if err != nil {
		reason := deliveryReason(err)
		s.recordFailure(jobID, m, reason)
		return
	}

	s.store.Update(jobID, func(j *jobstore.Job) {
		j.SentCount++
	})
}

// callWithThrottleRetry runs one API call, sleeping out a single signaled
// retry-after before retrying the same call once. Any other failure, or a
// second throttle, is returned as-is.
func (s *Service) callWithThrottleRetry(ctx context.Context, cfg Config, call func() (string, error)) (string, error) {
	v, err := call()
	if err == nil {
		return v, nil
	}
	wait, limited := discord.RetryAfter(err)
	if !limited {
		return "", err
	}
	if wait > cfg.RetryAfterCap {
		wait = cfg.RetryAfterCap
	}
	if !sleepCtx(ctx, wait) {
		return "", ctx.Err()
	}
	return call()
}

func (s *Service) recordFailure(jobID string, m discord.Member, reason string) {
	s.store.Update(jobID, func(j *jobstore.Job) {
		j.FailedCount++
		j.Failures = append(j.Failures, jobstore.Failure{Recipient: m.Tag(), Reason: reason})
	})
}

// failJob marks a job failed before any recipient was attempted.
func (s *Service) failJob(ctx context.Context, jobID, msg string) {
	s.store.Update(jobID, func(j *jobstore.Job) {
		j.Status = jobstore.StatusFailed
		j.CompletedAt = time.Now()
		j.Error = msg
	})
	if final, ok := s.store.Get(jobID); ok {
		s.publishTerminal(ctx, final)
	}
}

// deliveryReason maps a send failure to the reason recorded per recipient.
// Platform-reported message text is preferred when present.
func deliveryReason(err error) string {
	if _, limited := discord.RetryAfter(err); limited {
		return reasonRateLimited
	}
	if ae, ok := discord.AsAPIError(err); ok && ae.Message != "" {
		return ae.Message
	}
	return err.Error()
}

// substitutePlaceholders expands {user} to mention markup and {username} to
// the recipient's display name.
func substitutePlaceholders(text string, m discord.Member) string {
	text = strings.ReplaceAll(text, "{user}", m.Mention())
	text = strings.ReplaceAll(text, "{username}", m.DisplayName())
	return text
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}
