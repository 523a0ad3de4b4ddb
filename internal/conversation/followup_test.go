package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

func testFollowups(t *testing.T, fake *fakeDynamo, sender Sender) (*Followups, *DelayQueue) {
	t.Helper()
	delayed, _ := testDelayQueue(t, &captureQueue{})
	store := testStore(t, fake)

	ids := 0
	f := NewFollowups(store, delayed, sender, logging.Default(),
		WithFollowupJobIDs(func() string {
			ids++
			return "followup:" + itoa(ids)
		}),
	)
	return f, delayed
}

func TestSequenceKeyForStage(t *testing.T) {
	tests := []struct {
		stage string
		want  string
	}{
		{"lead", "lead"},
		{"responded", "lead"},
		{"", "lead"},
		{"something_unknown", "lead"},
		{"qualification", "qualification"},
		{"Booking", "booking"},
		{"booking_link_sent", "booking"},
		{"call_booked", "call_booked"},
		{"closed", ""},
		{"lost", ""},
		{"flag", ""},
		{"flagged", ""},
	}
	for _, tt := range tests {
		if got := sequenceKeyForStage(tt.stage); got != tt.want {
			t.Errorf("sequenceKeyForStage(%q) = %q, want %q", tt.stage, got, tt.want)
		}
	}
}

func TestFollowupSequencesFitMessagingWindow(t *testing.T) {
	for key, steps := range followupSequences {
		if len(steps) == 0 {
			t.Errorf("sequence %q has no steps", key)
		}
		for i, step := range steps {
			if step.Delay >= messagingWindow {
				t.Errorf("sequence %q step %d delay %v exceeds the messaging window", key, i, step.Delay)
			}
			if step.Text == "" {
				t.Errorf("sequence %q step %d has no text", key, i)
			}
		}
	}
}

func TestFollowups_ScheduleSequenceArmsFirstStep(t *testing.T) {
	fake := newFakeDynamo()
	f, delayed := testFollowups(t, fake, &stubSender{})

	fake.put(&Conversation{
		ConversationID: "page-1_user-1", SenderID: "user-1", RecipientID: "page-1",
		AutopilotOn: true, StageTag: "lead",
	})

	if err := f.ScheduleSequence(context.Background(), "user-1", "page-1"); err != nil {
		t.Fatalf("ScheduleSequence returned error: %v", err)
	}

	conv := fake.get("page-1_user-1")
	if conv.Followup == nil || !conv.Followup.IsActive {
		t.Fatal("expected active followup state")
	}
	if conv.Followup.SequenceKey != "lead" || conv.Followup.FollowupIndex != 0 {
		t.Fatalf("unexpected state: %+v", conv.Followup)
	}

	jobs, err := delayed.GetDelayed(context.Background())
	if err != nil {
		t.Fatalf("GetDelayed returned error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != conv.Followup.PendingJobID {
		t.Fatalf("expected one pending job matching state, got %+v", jobs)
	}
}

func TestFollowups_ScheduleSequenceSupersedesPrevious(t *testing.T) {
	fake := newFakeDynamo()
	f, delayed := testFollowups(t, fake, &stubSender{})

	fake.put(&Conversation{
		ConversationID: "page-1_user-1", SenderID: "user-1", RecipientID: "page-1",
		AutopilotOn: true, StageTag: "lead",
	})

	if err := f.ScheduleSequence(context.Background(), "user-1", "page-1"); err != nil {
		t.Fatalf("first ScheduleSequence returned error: %v", err)
	}
	if err := f.ScheduleSequence(context.Background(), "user-1", "page-1"); err != nil {
		t.Fatalf("second ScheduleSequence returned error: %v", err)
	}

	jobs, err := delayed.GetDelayed(context.Background())
	if err != nil {
		t.Fatalf("GetDelayed returned error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one pending job, got %d", len(jobs))
	}
}

func TestFollowups_TerminalStageSchedulesNothing(t *testing.T) {
	fake := newFakeDynamo()
	f, delayed := testFollowups(t, fake, &stubSender{})

	fake.put(&Conversation{
		ConversationID: "page-1_user-1", SenderID: "user-1", RecipientID: "page-1",
		AutopilotOn: true, StageTag: "closed",
	})

	if err := f.ScheduleSequence(context.Background(), "user-1", "page-1"); err != nil {
		t.Fatalf("ScheduleSequence returned error: %v", err)
	}

	jobs, err := delayed.GetDelayed(context.Background())
	if err != nil {
		t.Fatalf("GetDelayed returned error: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs for a terminal stage, got %d", len(jobs))
	}
}

func TestFollowups_ExecuteSendsAndAdvances(t *testing.T) {
	fake := newFakeDynamo()
	sender := &stubSender{}
	f, delayed := testFollowups(t, fake, sender)

	fake.put(&Conversation{
		ConversationID: "page-1_user-1", SenderID: "user-1", RecipientID: "page-1",
		AutopilotOn: true, StageTag: "lead",
		Followup: &FollowupState{
			SequenceKey: "lead", FollowupIndex: 0, PendingJobID: "followup:armed", IsActive: true,
		},
	})

	err := f.Execute(context.Background(), "followup:armed", FollowupJob{
		SenderID: "user-1", RecipientID: "page-1", SequenceKey: "lead", Index: 0,
	}, "page-1")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].Text != followupSequences["lead"][0].Text {
		t.Fatalf("unexpected sends: %+v", msgs)
	}

	conv := fake.get("page-1_user-1")
	if len(conv.Messages) != 1 || conv.Messages[0].Role != RoleAssistant {
		t.Fatalf("expected persisted assistant message, got %+v", conv.Messages)
	}
	if conv.Followup == nil || conv.Followup.FollowupIndex != 1 {
		t.Fatalf("expected state advanced to step 1, got %+v", conv.Followup)
	}

	jobs, err := delayed.GetDelayed(context.Background())
	if err != nil {
		t.Fatalf("GetDelayed returned error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected next step scheduled, got %d jobs", len(jobs))
	}
}

func TestFollowups_ExecuteSupersededJobIsSilent(t *testing.T) {
	fake := newFakeDynamo()
	sender := &stubSender{}
	f, _ := testFollowups(t, fake, sender)

	fake.put(&Conversation{
		ConversationID: "page-1_user-1", SenderID: "user-1", RecipientID: "page-1",
		AutopilotOn: true, StageTag: "lead",
		Followup: &FollowupState{
			SequenceKey: "lead", FollowupIndex: 1, PendingJobID: "followup:newer", IsActive: true,
		},
	})

	err := f.Execute(context.Background(), "followup:stale", FollowupJob{
		SenderID: "user-1", RecipientID: "page-1", SequenceKey: "lead", Index: 0,
	}, "")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(sender.messages()) != 0 {
		t.Error("superseded job must not send")
	}
	if got := fake.get("page-1_user-1").Followup; got == nil || got.PendingJobID != "followup:newer" {
		t.Error("superseded job must not touch the newer state")
	}
}

func TestFollowups_ExecuteSkipsWhenAutopilotOff(t *testing.T) {
	fake := newFakeDynamo()
	sender := &stubSender{}
	f, _ := testFollowups(t, fake, sender)

	fake.put(&Conversation{
		ConversationID: "page-1_user-1", SenderID: "user-1", RecipientID: "page-1",
		AutopilotOn: false,
		Followup: &FollowupState{
			SequenceKey: "lead", FollowupIndex: 0, PendingJobID: "followup:armed", IsActive: true,
		},
	})

	err := f.Execute(context.Background(), "followup:armed", FollowupJob{
		SenderID: "user-1", RecipientID: "page-1", SequenceKey: "lead", Index: 0,
	}, "")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(sender.messages()) != 0 {
		t.Error("autopilot-off conversation must not receive nudges")
	}
}

func TestFollowups_ExecuteStageChangeRestartsNewSequence(t *testing.T) {
	fake := newFakeDynamo()
	sender := &stubSender{}
	f, delayed := testFollowups(t, fake, sender)

	// Scheduled while in lead, but the stage moved to booking before firing.
	fake.put(&Conversation{
		ConversationID: "page-1_user-1", SenderID: "user-1", RecipientID: "page-1",
		AutopilotOn: true, StageTag: "booking",
		Followup: &FollowupState{
			SequenceKey: "lead", FollowupIndex: 2, PendingJobID: "followup:armed", IsActive: true,
		},
	})

	err := f.Execute(context.Background(), "followup:armed", FollowupJob{
		SenderID: "user-1", RecipientID: "page-1", SequenceKey: "lead", Index: 2,
	}, "")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(sender.messages()) != 0 {
		t.Error("stage change must restart the new sequence, not send the old nudge")
	}

	conv := fake.get("page-1_user-1")
	if conv.Followup == nil || conv.Followup.SequenceKey != "booking" || conv.Followup.FollowupIndex != 0 {
		t.Fatalf("expected booking sequence restarted at step 0, got %+v", conv.Followup)
	}
	jobs, err := delayed.GetDelayed(context.Background())
	if err != nil {
		t.Fatalf("GetDelayed returned error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one rescheduled job, got %d", len(jobs))
	}
}

func TestFollowups_ExecuteLastStepCompletesSequence(t *testing.T) {
	fake := newFakeDynamo()
	sender := &stubSender{}
	f, delayed := testFollowups(t, fake, sender)

	fake.put(&Conversation{
		ConversationID: "page-1_user-1", SenderID: "user-1", RecipientID: "page-1",
		AutopilotOn: true, StageTag: "call_booked",
		Followup: &FollowupState{
			SequenceKey: "call_booked", FollowupIndex: 0, PendingJobID: "followup:armed", IsActive: true,
		},
	})

	err := f.Execute(context.Background(), "followup:armed", FollowupJob{
		SenderID: "user-1", RecipientID: "page-1", SequenceKey: "call_booked", Index: 0,
	}, "")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(sender.messages()) != 1 {
		t.Fatalf("expected final nudge sent, got %d", len(sender.messages()))
	}

	if fake.get("page-1_user-1").Followup != nil {
		t.Error("expected followup state cleared after the final step")
	}
	jobs, err := delayed.GetDelayed(context.Background())
	if err != nil {
		t.Fatalf("GetDelayed returned error: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no further jobs, got %d", len(jobs))
	}
}

func TestFollowups_CancelRemovesJobAndState(t *testing.T) {
	fake := newFakeDynamo()
	f, delayed := testFollowups(t, fake, &stubSender{})

	fake.put(&Conversation{
		ConversationID: "page-1_user-1", SenderID: "user-1", RecipientID: "page-1",
		AutopilotOn: true, StageTag: "lead",
	})
	if err := f.ScheduleSequence(context.Background(), "user-1", "page-1"); err != nil {
		t.Fatalf("ScheduleSequence returned error: %v", err)
	}

	if err := f.Cancel(context.Background(), "user-1", "page-1"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	if fake.get("page-1_user-1").Followup != nil {
		t.Error("expected state cleared")
	}
	jobs, err := delayed.GetDelayed(context.Background())
	if err != nil {
		t.Fatalf("GetDelayed returned error: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected job removed, got %d", len(jobs))
	}

	// Cancel with nothing pending is a no-op.
	if err := f.Cancel(context.Background(), "user-1", "page-1"); err != nil {
		t.Fatalf("repeat Cancel returned error: %v", err)
	}
	if err := f.Cancel(context.Background(), "ghost", "page-1"); err != nil {
		t.Fatalf("Cancel of unknown conversation returned error: %v", err)
	}
}

func TestFollowups_ExecuteScheduledDelayIsCapped(t *testing.T) {
	fake := newFakeDynamo()
	f, delayed := testFollowups(t, fake, &stubSender{})

	// Inject a step that violates the window to prove the cap applies.
	followupSequences["test_overlong"] = []FollowupStep{{Text: "hi", Delay: 48 * time.Hour}}
	defer delete(followupSequences, "test_overlong")

	if err := f.scheduleStep(context.Background(), "user-1", "page-1", "test_overlong", 0); err != nil {
		t.Fatalf("scheduleStep returned error: %v", err)
	}

	jobs, err := delayed.GetDelayed(context.Background())
	if err != nil {
		t.Fatalf("GetDelayed returned error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if until := time.Until(jobs[0].DueAt); until >= messagingWindow {
		t.Errorf("job due in %v, must stay inside the messaging window", until)
	}
}
